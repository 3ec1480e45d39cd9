package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/facetrack/facetrack/core"
	"github.com/facetrack/facetrack/core/attendance"
	"github.com/facetrack/facetrack/core/school"
)

var (
	errUnauthorized         = echo.NewHTTPError(http.StatusUnauthorized, "teacher not authenticated")
	errAuthenticationFailed = echo.NewHTTPError(http.StatusBadRequest, "authentication failed")
	errAccountDeactivated   = echo.NewHTTPError(http.StatusForbidden, "account deactivated")
	errRefreshExpired       = echo.NewHTTPError(http.StatusForbidden, "refresh has expired")
	errHttpForbidden        = echo.NewHTTPError(http.StatusForbidden, "permission denied")
	errHttpNotFound         = echo.NewHTTPError(http.StatusNotFound, "not found")
)

// trapDomainErr maps domain sentinels to HTTP errors; state conflicts where
// the client's view is stale map to 409 so devices know to resync.
func trapDomainErr(err error) *echo.HTTPError {
	switch err {
	case school.ErrStudentNotFound, school.ErrTeacherNotFound, school.ErrGuardianNotFound,
		school.ErrMeetingNotFound, school.ErrClassGroupNotFound, school.ErrSubjectNotFound,
		attendance.ErrSessionNotFound:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case attendance.ErrNotOwner:
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case attendance.ErrRosterMismatch, attendance.ErrSessionMismatch:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case attendance.ErrSessionNotActive, attendance.ErrAlreadyTerminal,
		attendance.ErrAlreadyFinalized, attendance.ErrNotScheduledToday:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return nil
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, translator ut.Translator, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		var message interface{}

		if herr := trapDomainErr(errors.Cause(err)); herr != nil {
			code = herr.Code
			message = herr.Message
		} else {
			switch origErr := errors.Cause(err).(type) {
			case *echo.HTTPError:
				if origErr == middleware.ErrJWTMissing {
					code = http.StatusUnauthorized
					message = origErr.Message
					break
				}
				if origErr.Internal != nil {
					if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
						origErr = herr
					}
				}
				code = origErr.Code
				message = origErr.Message
			case validator.ValidationErrors:
				fldErrs := make(map[string]string, len(origErr))
				for _, vErr := range origErr {
					fldErrs[vErr.Field()] = vErr.Translate(translator)
				}
				code = http.StatusBadRequest
				message = fldErrs
			case *core.ValidationError:
				if origErr.Fields != nil {
					fldErrs := make(map[string]string, len(origErr.Fields))
					for _, fErr := range origErr.Fields {
						fldErrs[fErr.Field] = fErr.Error
					}
					message = fldErrs
				} else {
					message = origErr.Error()
				}
				code = http.StatusBadRequest
			default: // any other error is a server error
				code = http.StatusInternalServerError
				msg := http.StatusText(http.StatusInternalServerError)
				message = msg

				var tchr school.Teacher
				if claims, cErr := getContextClaims(ctx); cErr == nil {
					tchr.ID = claims.Subject
					tchr.Name = claims.Name
					tchr.Email = claims.Email
				}
				logger.Error(msg, errors.Wrap(err, msg), tchr)

				// shutting down...
				if core.IsShutdown(err) {
					signalShutdown()
				}
			}
		}

		if ctx.Echo().Debug {
			message = err.Error()
		} else if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, message)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}
