package messaging

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"rasenpilot/internal/config"
	"rasenpilot/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestTwilioSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC1/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC1", user)
		assert.Equal(t, "tok", pass)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "+4915112345678", r.PostForm.Get("To"))
		assert.Equal(t, "Zeit zum Mähen", r.PostForm.Get("Body"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM123","status":"queued"}`))
	}))
	defer srv.Close()

	s := NewTwilioSender("AC1", "tok", "+4930000", "")
	s.baseURL = srv.URL
	id, err := s.Send(context.Background(), model.OutboundMessage{To: "+4915112345678", Body: "Zeit zum Mähen"})
	require.NoError(t, err)
	assert.Equal(t, "SM123", id)
}

func TestWhatsAppSendProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Recipient not on allow list"}}`))
	}))
	defer srv.Close()

	s := NewWhatsAppSender("tok", "PN1")
	s.baseURL = srv.URL
	_, err := s.Send(context.Background(), model.OutboundMessage{To: "+49151", Body: "Hallo"})
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusBadRequest, pe.StatusCode)
	assert.Equal(t, "Recipient not on allow list", pe.Message)
}

func TestWhatsAppSendTemplate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/PN1/messages", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "template", gjson.GetBytes(body, "type").String())
		assert.Equal(t, "rasen_tipp", gjson.GetBytes(body, "template.name").String())
		assert.Equal(t, "49151", gjson.GetBytes(body, "to").String())
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}))
	defer srv.Close()

	s := NewWhatsAppSender("tok", "PN1")
	s.baseURL = srv.URL
	id, err := s.Send(context.Background(), model.OutboundMessage{To: "+49151", Template: "rasen_tipp"})
	require.NoError(t, err)
	assert.Equal(t, "wamid.1", id)
}

func TestResendSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer re_1", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "a@b.de", gjson.GetBytes(body, "to.0").String())
		_, _ = w.Write([]byte(`{"id":"em_1"}`))
	}))
	defer srv.Close()

	s := NewResendSender("re_1", "Rasenpilot <hallo@rasenpilot.de>")
	s.baseURL = srv.URL
	id, err := s.Send(context.Background(), model.OutboundMessage{To: "a@b.de", Subject: "Pflegeplan", Body: "..."})
	require.NoError(t, err)
	assert.Equal(t, "em_1", id)
}

func TestNewSendersOnlyConfiguredChannels(t *testing.T) {
	senders := NewSenders(&config.Config{ResendAPIKey: "re_1"})
	assert.Len(t, senders, 1)
	assert.Contains(t, senders, model.ChannelEmail)
}

func TestTwilioSignature(t *testing.T) {
	form := url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"delivered"}}
	u := "https://api.rasenpilot.de/v1/webhooks/twilio"
	sig := SignTwilio("tok", u, form)

	assert.NoError(t, VerifyTwilio("tok", u, form, sig))
	assert.ErrorIs(t, VerifyTwilio("other", u, form, sig), ErrInvalidSignature)
	form.Set("MessageStatus", "failed")
	assert.ErrorIs(t, VerifyTwilio("tok", u, form, sig), ErrInvalidSignature)
}

func TestWhatsAppSignature(t *testing.T) {
	body := []byte(`{"entry":[]}`)
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(body)
	valid := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	assert.NoError(t, VerifyWhatsApp("secret", body, valid))
	assert.ErrorIs(t, VerifyWhatsApp("secret", []byte(`{"entry":[1]}`), valid), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyWhatsApp("secret", body, "sha256=00"), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyWhatsApp("secret", body, ""), ErrInvalidSignature)
}

func TestSvixSignature(t *testing.T) {
	secret := "whsec_" + base64.StdEncoding.EncodeToString([]byte("resend-test-key"))
	body := []byte(`{"type":"email.delivered","data":{"email_id":"em_1"}}`)
	now := time.Unix(1735689600, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	sig, err := SignSvix(secret, "msg_1", ts, body)
	require.NoError(t, err)

	assert.NoError(t, VerifySvix(secret, "msg_1", ts, "v1,bogus v1,"+sig, body, now))
	assert.ErrorIs(t, VerifySvix(secret, "msg_2", ts, "v1,"+sig, body, now), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySvix(secret, "msg_1", ts, "v1,"+sig, body, now.Add(10*time.Minute)), ErrInvalidSignature)
}

func TestParseTwilio(t *testing.T) {
	u, err := ParseTwilio(url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"delivered"}})
	require.NoError(t, err)
	assert.Equal(t, model.EventTypeStatus, u.EventType)
	assert.Equal(t, "delivered", u.Status)

	u, err = ParseTwilio(url.Values{"MessageSid": {"SM2"}, "SmsStatus": {"received"}, "From": {"+49151"}, "Body": {"STOP"}})
	require.NoError(t, err)
	assert.Equal(t, model.EventTypeReply, u.EventType)
	assert.Equal(t, "STOP", u.Body)

	_, err = ParseTwilio(url.Values{})
	assert.Error(t, err)
}

func TestParseWhatsApp(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{
		"statuses":[{"id":"wamid.A","status":"delivered"},{"id":"wamid.A","status":"read"}],
		"messages":[{"id":"wamid.R","from":"49151","type":"text","text":{"body":"Danke!"},"context":{"id":"wamid.A"}}]
	}}]}]}`)
	ups, err := ParseWhatsApp(body)
	require.NoError(t, err)
	require.Len(t, ups, 3)
	assert.Equal(t, "delivered", ups[0].Status)
	assert.Equal(t, "read", ups[1].Status)
	assert.Equal(t, model.EventTypeReply, ups[2].EventType)
	assert.Equal(t, "wamid.A", ups[2].MessageID)
	assert.Equal(t, "Danke!", ups[2].Body)
}

func TestParseWhatsAppDropsEntriesWithoutID(t *testing.T) {
	body := []byte(`{"entry":[{"changes":[{"value":{
		"statuses":[{"id":"","status":"failed"},{"status":"sent"},{"id":"wamid.B","status":"sent"}],
		"messages":[{"from":"49151","type":"text","text":{"body":"Hallo"}}]
	}}]}]}`)
	ups, err := ParseWhatsApp(body)
	require.NoError(t, err)
	require.Len(t, ups, 1)
	assert.Equal(t, "wamid.B", ups[0].MessageID)
	for _, u := range ups {
		assert.NotEmpty(t, u.MessageID)
	}
}

func TestParseResend(t *testing.T) {
	u, err := ParseResend([]byte(`{"type":"email.bounced","data":{"email_id":"em_1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "bounced", u.Status)
	assert.Equal(t, model.ChannelEmail, u.Channel)

	_, err = ParseResend([]byte(`{"type":"email.sent"}`))
	assert.Error(t, err)
}
