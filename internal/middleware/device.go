package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	DeviceCookieName = "rp_device"
	deviceCookieTTL  = 400 * 24 * time.Hour
)

func DeviceIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(DeviceContextKey).(string)
	return v
}

// DeviceMiddleware identifies the browser through the rp_device cookie and
// issues a fresh UUID when it is missing or not a UUID.
func DeviceMiddleware(secure bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var deviceID string
			if c, err := r.Cookie(DeviceCookieName); err == nil {
				if id, err := uuid.Parse(c.Value); err == nil {
					deviceID = id.String()
				}
			}
			if deviceID == "" {
				deviceID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     DeviceCookieName,
					Value:    deviceID,
					Path:     "/",
					MaxAge:   int(deviceCookieTTL.Seconds()),
					HttpOnly: true,
					Secure:   secure,
					SameSite: http.SameSiteLaxMode,
				})
			}
			ctx := context.WithValue(r.Context(), DeviceContextKey, deviceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
