// auth.go — JWT-аутентификация через JWKS (RS256).
// Claims: sub, preferred_username, scope/scopes.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/goartstore/upload-guard/internal/api/errors"
)

// contextKey — тип для ключей контекста.
type contextKey string

const (
	// ContextKeySubject — sub из JWT.
	ContextKeySubject contextKey = "jwt_subject"
	// ContextKeyUsername — preferred_username из JWT.
	ContextKeyUsername contextKey = "jwt_username"
	// ContextKeyScopes — scopes из JWT.
	ContextKeyScopes contextKey = "jwt_scopes"
)

// Claims — JWT claims Upload Guard.
// Поддерживает два формата scopes:
//   - Keycloak стандартный: "scope" (пробело-разделённая строка)
//   - Кастомный: "scopes" (массив строк)
type Claims struct {
	jwt.RegisteredClaims
	PreferredUsername string   `json:"preferred_username,omitempty"`
	ScopeString       string   `json:"scope,omitempty"`
	ScopeArray        []string `json:"scopes,omitempty"`
}

// Scopes возвращает объединённый список scope'ов из обоих форматов.
func (c *Claims) Scopes() []string {
	var result []string
	if c.ScopeString != "" {
		result = append(result, strings.Fields(c.ScopeString)...)
	}
	result = append(result, c.ScopeArray...)
	return result
}

// AuthFailureRecorder получает сведения об отказах в доступе.
// Отказы пишутся в журнал безопасности как access-attempt.
type AuthFailureRecorder interface {
	RecordAuthFailure(r *http.Request, status int, reason string)
}

// JWTAuth — middleware JWT-аутентификации.
type JWTAuth struct {
	jwks      keyfunc.Keyfunc
	jwtLeeway time.Duration
	failures  AuthFailureRecorder
	logger    *slog.Logger
}

// JWTAuthConfig — параметры JWT middleware.
type JWTAuthConfig struct {
	// URL JWKS endpoint
	JWKSURL string
	// Путь к CA-сертификату (опционально)
	CACertPath string
	// Пропускать проверку TLS-сертификатов
	TLSSkipVerify bool
	// Таймаут HTTP-клиента JWKS
	ClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	RefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
}

// NewJWTAuth создаёт JWT middleware с JWKS из указанного URL.
func NewJWTAuth(authCfg JWTAuthConfig, logger *slog.Logger) (*JWTAuth, error) {
	httpClient, err := buildHTTPClient(authCfg)
	if err != nil {
		return nil, err
	}

	// NoErrorReturnFirstHTTPReq: старт без доступного JWKS endpoint
	storage, err := jwkset.NewStorageFromHTTP(authCfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           authCfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", authCfg.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return NewJWTAuthWithKeyfunc(k, authCfg.JWTLeeway, logger), nil
}

// buildHTTPClient создаёт HTTP-клиент с настроенным TLS и таймаутом.
func buildHTTPClient(authCfg JWTAuthConfig) (*http.Client, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: authCfg.TLSSkipVerify, //nolint:gosec // настраивается через UG_TLS_SKIP_VERIFY
	}

	if authCfg.CACertPath != "" {
		caCert, err := os.ReadFile(authCfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", authCfg.CACertPath, err)
		}

		caCertPool, err := x509.SystemCertPool()
		if err != nil {
			caCertPool = x509.NewCertPool()
		}
		caCertPool.AppendCertsFromPEM(caCert)
		tlsConfig.RootCAs = caCertPool
	}

	return &http.Client{
		Timeout: authCfg.ClientTimeout,
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
		},
	}, nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с готовой keyfunc.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, jwtLeeway time.Duration, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		jwks:      kf,
		jwtLeeway: jwtLeeway,
		logger:    logger.With(slog.String("component", "jwt_auth")),
	}
}

// SetFailureRecorder подключает получателя отказов. Вызывается до запуска сервера.
func (j *JWTAuth) SetFailureRecorder(rec AuthFailureRecorder) {
	j.failures = rec
}

// Middleware проверяет Bearer token и помещает claims в контекст.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, reason := j.authenticate(r)
			if claims == nil {
				j.deny(w, r, http.StatusUnauthorized, reason)
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeySubject, claims.Subject)
			ctx = context.WithValue(ctx, ContextKeyUsername, claims.PreferredUsername)
			ctx = context.WithValue(ctx, ContextKeyScopes, claims.Scopes())

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope проверяет наличие scope. Используется после Middleware().
func (j *JWTAuth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !slices.Contains(ScopesFromContext(r.Context()), scope) {
				j.deny(w, r, http.StatusForbidden, "Недостаточно прав: требуется scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authenticate разбирает и проверяет токен. При отказе claims == nil,
// reason содержит текст для клиента.
func (j *JWTAuth) authenticate(r *http.Request) (claims *Claims, reason string) {
	tokenString, reason := bearerToken(r.Header.Get("Authorization"))
	if tokenString == "" {
		return nil, reason
	}

	claims = &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, j.jwks.KeyfuncCtx(r.Context()),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(j.jwtLeeway),
	)
	if err != nil || !token.Valid {
		j.logger.Debug("JWT валидация не пройдена",
			slog.Any("error", err),
			slog.String("remote_addr", r.RemoteAddr),
		)
		return nil, "Невалидный или просроченный токен"
	}
	if claims.Subject == "" {
		return nil, "Отсутствует sub в токене"
	}
	return claims, ""
}

// bearerToken извлекает токен из заголовка Authorization.
func bearerToken(header string) (token, reason string) {
	if header == "" {
		return "", "Отсутствует заголовок Authorization"
	}
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "Неверный формат Authorization: ожидается Bearer <token>"
	}
	token = strings.TrimSpace(rest)
	if token == "" {
		return "", "Пустой Bearer token"
	}
	return token, ""
}

// deny отвечает 401/403 и сообщает об отказе получателю.
func (j *JWTAuth) deny(w http.ResponseWriter, r *http.Request, status int, reason string) {
	if j.failures != nil {
		j.failures.RecordAuthFailure(r, status, reason)
	}
	if status == http.StatusForbidden {
		apierrors.Forbidden(w, reason)
		return
	}
	apierrors.Unauthorized(w, reason)
}

// SubjectFromContext извлекает sub из контекста запроса.
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(ContextKeySubject).(string)
	return subject
}

// UsernameFromContext извлекает preferred_username из контекста запроса.
func UsernameFromContext(ctx context.Context) string {
	name, _ := ctx.Value(ContextKeyUsername).(string)
	return name
}

// ScopesFromContext извлекает scopes из контекста запроса.
func ScopesFromContext(ctx context.Context) []string {
	scopes, _ := ctx.Value(ContextKeyScopes).([]string)
	return scopes
}
