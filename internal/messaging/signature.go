package messaging

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// VerifyTwilio checks X-Twilio-Signature: base64(HMAC-SHA1(authToken, url + sorted key/value pairs)).
func VerifyTwilio(authToken, fullURL string, form url.Values, signature string) error {
	if authToken == "" || signature == "" {
		return ErrInvalidSignature
	}
	expected := SignTwilio(authToken, fullURL, form)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

func SignTwilio(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyWhatsApp checks X-Hub-Signature-256: "sha256=" + hex(HMAC-SHA256(appSecret, body)).
func VerifyWhatsApp(appSecret string, body []byte, header string) error {
	if appSecret == "" || !strings.HasPrefix(header, "sha256=") {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return ErrInvalidSignature
	}
	return nil
}

const svixTolerance = 5 * time.Minute

// VerifySvix checks Resend's Svix headers. The signed content is
// "<svix-id>.<svix-timestamp>.<body>" keyed by the base64 part of "whsec_...".
func VerifySvix(secret, msgID, timestamp, signatures string, body []byte, now time.Time) error {
	if secret == "" || msgID == "" || timestamp == "" || signatures == "" {
		return ErrInvalidSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if d := now.Sub(time.Unix(ts, 0)); d > svixTolerance || d < -svixTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected, err := SignSvix(secret, msgID, timestamp, body)
	if err != nil {
		return err
	}
	for _, sig := range strings.Fields(signatures) {
		version, value, ok := strings.Cut(sig, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(value), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func SignSvix(secret, msgID, timestamp string, body []byte) (string, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, "whsec_"))
	if err != nil {
		return "", fmt.Errorf("decode svix secret: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msgID + "." + timestamp + "."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
