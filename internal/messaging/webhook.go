package messaging

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"rasenpilot/internal/model"

	"github.com/tidwall/gjson"
)

// Update is one provider-reported change for a message: a status or an inbound reply.
type Update struct {
	Channel   model.Channel
	MessageID string
	EventType string
	Status    string
	From      string
	Body      string
	Raw       json.RawMessage
}

// ParseTwilio reads a Twilio status callback or inbound SMS form post.
func ParseTwilio(form url.Values) (Update, error) {
	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsSid")
	}
	if sid == "" {
		return Update{}, fmt.Errorf("twilio webhook without MessageSid")
	}
	raw, _ := json.Marshal(flatten(form))
	u := Update{Channel: model.ChannelSMS, MessageID: sid, Raw: raw}

	status := form.Get("MessageStatus")
	if status == "" {
		status = form.Get("SmsStatus")
	}
	if status == "received" || (status == "" && form.Get("Body") != "") {
		u.EventType = model.EventTypeReply
		u.Status = "received"
		u.From = form.Get("From")
		u.Body = form.Get("Body")
		return u, nil
	}
	if status == "" {
		return Update{}, fmt.Errorf("twilio webhook %s without status", sid)
	}
	u.EventType = model.EventTypeStatus
	u.Status = status
	return u, nil
}

// ParseWhatsApp flattens a Graph API notification into updates. Replies that
// quote an earlier message are keyed by the quoted message id. Entries
// without any message id are dropped.
func ParseWhatsApp(body []byte) ([]Update, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("whatsapp webhook body is not JSON")
	}
	var updates []Update
	gjson.GetBytes(body, "entry").ForEach(func(_, entry gjson.Result) bool {
		entry.Get("changes").ForEach(func(_, change gjson.Result) bool {
			value := change.Get("value")
			value.Get("statuses").ForEach(func(_, st gjson.Result) bool {
				id := st.Get("id").String()
				if id == "" {
					return true
				}
				updates = append(updates, Update{
					Channel:   model.ChannelWhatsApp,
					MessageID: id,
					EventType: model.EventTypeStatus,
					Status:    st.Get("status").String(),
					Raw:       json.RawMessage(st.Raw),
				})
				return true
			})
			value.Get("messages").ForEach(func(_, m gjson.Result) bool {
				id := m.Get("context.id").String()
				if id == "" {
					id = m.Get("id").String()
				}
				if id == "" {
					return true
				}
				updates = append(updates, Update{
					Channel:   model.ChannelWhatsApp,
					MessageID: id,
					EventType: model.EventTypeReply,
					Status:    "received",
					From:      m.Get("from").String(),
					Body:      m.Get("text.body").String(),
					Raw:       json.RawMessage(m.Raw),
				})
				return true
			})
			return true
		})
		return true
	})
	return updates, nil
}

// ParseResend reads an email.* event. Inbound mail is not handled.
func ParseResend(body []byte) (Update, error) {
	typ := gjson.GetBytes(body, "type").String()
	id := gjson.GetBytes(body, "data.email_id").String()
	if typ == "" || id == "" {
		return Update{}, fmt.Errorf("resend webhook missing type or email_id")
	}
	return Update{
		Channel:   model.ChannelEmail,
		MessageID: id,
		EventType: model.EventTypeStatus,
		Status:    strings.TrimPrefix(typ, "email."),
		Raw:       json.RawMessage(body),
	}, nil
}

func flatten(form url.Values) map[string]string {
	out := make(map[string]string, len(form))
	for k := range form {
		out[k] = form.Get(k)
	}
	return out
}
