package echoapi

import (
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/facetrack/facetrack/core"
	"github.com/facetrack/facetrack/core/school"
)

var (
	// appJWTConfig is the default JWT auth middleware config. The signing key
	// is set from config in NewServer.
	appJWTConfig = middleware.JWTConfig{
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    "teacherToken",
		Claims:        new(Claims),
	}
	contextTeacherKey = "teacher"
)

// Claims represents the authorization claims transmitted via a JWT.
type Claims struct {
	jwt.StandardClaims
	OrigIssuedAt int64  `json:"oriat,omitempty"`
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
}

type (
	LoginRequest struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}

	LoginResponse struct {
		Token string `json:"token"`
	}
)

func (lr *LoginRequest) Validate(validate *validator.Validate) error {
	lr.Email = core.CleanString(lr.Email, true /* lower */)
	return validate.Struct(lr)
}

func GetTeacherClaims(conf *core.Config, tchr school.Teacher, origIat ...int64) *Claims {
	now := time.Now()
	nownix := now.Unix()

	var oriat int64
	if len(origIat) > 0 {
		oriat = origIat[0]
	} else {
		oriat = nownix
	}

	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    conf.AppName,
			Subject:   tchr.ID,
			Audience:  "RollCall",
			ExpiresAt: now.Add(conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  nownix,
		},
		OrigIssuedAt: oriat,
		Name:         tchr.Name,
		Email:        tchr.Email,
	}
}

func authenticate(ctx echo.Context, conf *core.Config, email, pwd string, svc *school.Service) (*Claims, error) {
	tchr, err := svc.GetTeacherByEmail(ctx.Request().Context(), email)
	if err != nil {
		if errors.Cause(err) == school.ErrTeacherNotFound {
			return nil, errAuthenticationFailed
		}
		return nil, errors.Wrap(err, "finding teacher by email")
	}
	if err = tchr.CheckPassword(pwd); err != nil {
		return nil, errAuthenticationFailed
	}
	if !tchr.IsActive {
		return nil, errAccountDeactivated
	}
	return GetTeacherClaims(conf, tchr), nil
}

// GenerateToken generates a signed JWT token string representing the teacher Claims.
func GenerateToken(claims *Claims) (string, error) {
	method := jwt.GetSigningMethod(appJWTConfig.SigningMethod)
	token := jwt.NewWithClaims(method, claims)

	ss, err := token.SignedString(appJWTConfig.SigningKey)
	if err != nil {
		return "", errors.New("signing token")
	}
	return ss, nil
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(appJWTConfig.ContextKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

func getContextTeacher(ctx echo.Context, svc *school.Service, clms ...Claims) (school.Teacher, error) {
	if tchr, ok := ctx.Get(contextTeacherKey).(school.Teacher); ok {
		return tchr, nil
	}

	var claims Claims
	var err error
	if len(clms) > 0 {
		claims = clms[0]
	} else {
		claims, err = getContextClaims(ctx)
		if err != nil {
			return school.Teacher{}, errors.Wrap(err, "getting context claims")
		}
	}

	tchr, err := svc.GetTeacher(ctx.Request().Context(), claims.Subject)
	if err != nil {
		return school.Teacher{}, errors.Wrap(err, "finding teacher by ID")
	}
	ctx.Set(contextTeacherKey, tchr)
	return tchr, nil
}

func refreshToken(ctx echo.Context, conf *core.Config, svc *school.Service) (string, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return "", errors.Wrap(err, "getting context claims")
	}

	tchr, err := getContextTeacher(ctx, svc, claims)
	if err != nil {
		return "", errors.Wrap(err, "getting context teacher")
	}

	// check if teacher is still active
	if !tchr.IsActive {
		return "", errAccountDeactivated
	}

	// check if refresh has not expired
	expTime := time.Unix(claims.OrigIssuedAt, 0).Add(conf.Server.JWTRefreshExpirationDelta)
	if time.Now().After(expTime) {
		return "", errRefreshExpired
	}

	newClaims := GetTeacherClaims(conf, tchr, claims.OrigIssuedAt)
	token, err := GenerateToken(newClaims)
	return token, errors.Wrap(err, "generating token")
}
