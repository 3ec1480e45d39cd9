package echoapi

import (
	"net/http"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/facetrack/facetrack/core"
	"github.com/facetrack/facetrack/core/attendance"
	"github.com/facetrack/facetrack/core/school"
)

type rollCallApi struct {
	conf       *core.Config
	schoolSvc  *school.Service
	svc        *attendance.Service
	gateway    *attendance.Gateway
	validate   *validator.Validate
	translator ut.Translator
}

func registerRollCallAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := rollCallApi{
		conf:       deps.Conf,
		schoolSvc:  deps.SchoolSvc,
		svc:        deps.RollCallSvc,
		gateway:    deps.Gateway,
		validate:   deps.Validate,
		translator: deps.Translator,
	}

	// un-authed endpoints
	// TODO: rate limit `/auth/login`
	g.POST("/auth/login", api.login)

	ag := g.Group("", jwt)
	ag.POST("/auth/token-refresh", api.refreshToken)

	ag.GET("/meetings/today", api.todayMeetings)
	ag.POST("/meetings/:id/roll-call", api.openRollCall)

	sg := ag.Group("/roll-call/:token")
	sg.GET("", api.retrieve)
	sg.POST("/scan", api.scan)
	sg.POST("/manual", api.manual)
	sg.GET("/updates", api.updates)
	sg.POST("/finish", api.finish)
	sg.POST("/cancel", api.cancel)

	ag.GET("/history", api.history)
}

// Handlers

func (api *rollCallApi) login(ctx echo.Context) error {
	var data LoginRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to LoginRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	claims, err := authenticate(ctx, api.conf, data.Email, data.Password, api.schoolSvc)
	if err != nil {
		return err
	}
	token, err := GenerateToken(claims)
	if err != nil {
		return errors.Wrap(err, "generating token")
	}
	return ctx.JSON(http.StatusOK, LoginResponse{Token: token})
}

func (api *rollCallApi) refreshToken(ctx echo.Context) error {
	token, err := refreshToken(ctx, api.conf, api.schoolSvc)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, LoginResponse{Token: token})
}

func (api *rollCallApi) todayMeetings(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	meetings, err := api.schoolSvc.QueryTeacherMeetings(ctx.Request().Context(), claims.Subject, time.Now())
	if err != nil {
		return errors.Wrap(err, "querying today's meetings")
	}
	return ctx.JSON(http.StatusOK, meetings)
}

func (api *rollCallApi) openRollCall(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	sess, err := api.svc.OpenSession(ctx.Request().Context(), ctx.Param("id"), claims.Subject)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, sess)
}

type rollCallDetail struct {
	Session attendance.Session          `json:"session"`
	Records []attendance.PresenceRecord `json:"records"`
	// CheckinLinks maps each student to their mobile self-check-in path,
	// rendered as QR codes on the teacher's device.
	CheckinLinks map[string]string `json:"checkin_links"`
}

func (api *rollCallApi) retrieve(ctx echo.Context) error {
	token := ctx.Param("token")
	sess, err := api.svc.GetSession(ctx.Request().Context(), token)
	if err != nil {
		return err
	}
	records, err := api.svc.ListPresences(ctx.Request().Context(), token)
	if err != nil {
		return errors.Wrap(err, "listing presence records")
	}

	links := make(map[string]string, len(records))
	for _, rec := range records {
		links[rec.StudentID] = api.conf.FrontendBaseURL + sess.CheckinLink(rec.StudentID)
	}
	return ctx.JSON(http.StatusOK, rollCallDetail{Session: sess, Records: records, CheckinLinks: links})
}

func (api *rollCallApi) scan(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	var data attendance.ScanCheckin
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ScanCheckin")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	res, err := api.gateway.ScanCheckIn(ctx.Request().Context(), ctx.Param("token"), claims.Subject, data.QRCodeData)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *rollCallApi) manual(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	var data attendance.ManualCheckin
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ManualCheckin")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	res, err := api.gateway.ManualCheckIn(ctx.Request().Context(), ctx.Param("token"), claims.Subject, data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *rollCallApi) updates(ctx echo.Context) error {
	var since time.Time
	if raw := ctx.QueryParam("since"); raw != "" {
		var err error
		if since, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return core.NewValidationError(nil, core.FieldError{Field: "since", Error: "invalid timestamp"})
		}
	}

	page, err := api.svc.PollUpdates(ctx.Request().Context(), ctx.Param("token"), since)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, page)
}

func (api *rollCallApi) finish(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	summary, err := api.svc.FinalizeSession(ctx.Request().Context(), ctx.Param("token"), claims.Subject)
	if err != nil {
		if attendance.IsArchiveFailure(err) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "archiving failed, roll call left open; retry")
		}
		return err
	}
	return ctx.JSON(http.StatusOK, summary)
}

func (api *rollCallApi) cancel(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	if err = api.svc.CancelSession(ctx.Request().Context(), ctx.Param("token"), claims.Subject); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *rollCallApi) history(ctx echo.Context) error {
	var filter attendance.HistoryFilter
	if err := ctx.Bind(&filter); err != nil {
		return errors.Wrap(err, "binding to HistoryFilter")
	}
	entries, err := api.svc.QueryHistory(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying history")
	}
	return ctx.JSON(http.StatusOK, entries)
}

// Mobile self check-in; served to student phones, no auth. The link itself
// is the credential: an unguessable session token bound to one student and
// one meeting.

type checkinApi struct {
	schoolSvc *school.Service
	svc       *attendance.Service
	gateway   *attendance.Gateway
}

func registerCheckinAPI(g *echo.Group, deps ServerDeps) {
	api := checkinApi{
		schoolSvc: deps.SchoolSvc,
		svc:       deps.RollCallSvc,
		gateway:   deps.Gateway,
	}
	g.GET("/:studentID/:meetingID/:token", api.landing)
	g.POST("/:studentID/:meetingID/:token", api.checkin)
}

type checkinLanding struct {
	StudentName string `json:"student_name"`
	State       string `json:"state"`
	CheckedIn   bool   `json:"checked_in"`
}

func (api *checkinApi) landing(ctx echo.Context) error {
	sess, err := api.svc.GetSession(ctx.Request().Context(), ctx.Param("token"))
	if err != nil {
		return err
	}
	if sess.MeetingID != ctx.Param("meetingID") {
		return errHttpNotFound
	}
	std, err := api.schoolSvc.GetStudent(ctx.Request().Context(), ctx.Param("studentID"))
	if err != nil {
		return err
	}

	var checkedIn bool
	records, err := api.svc.ListPresences(ctx.Request().Context(), sess.Token)
	if err != nil {
		return errors.Wrap(err, "listing presence records")
	}
	for _, rec := range records {
		if rec.StudentID == std.ID && rec.Status == attendance.StatusPresent {
			checkedIn = true
			break
		}
	}
	return ctx.JSON(http.StatusOK, checkinLanding{
		StudentName: std.Name,
		State:       sess.State,
		CheckedIn:   checkedIn,
	})
}

func (api *checkinApi) checkin(ctx echo.Context) error {
	res, err := api.gateway.MobileCheckIn(
		ctx.Request().Context(),
		ctx.Param("token"),
		ctx.Param("studentID"),
		ctx.Param("meetingID"),
	)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, res)
}
