package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// AlertLevel grades alert severity.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertError    AlertLevel = "ERROR"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alerter sends notifications to external services.
// Implementations: Slack webhook, structured log, fan-out.
type Alerter interface {
	Alert(level AlertLevel, message string, metadata map[string]any)
}

// MultiAlerter fans an alert out to several alerters.
type MultiAlerter struct {
	alerters []Alerter
}

func NewMultiAlerter(alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{alerters: alerters}
}

func (m *MultiAlerter) Alert(level AlertLevel, message string, metadata map[string]any) {
	for _, alerter := range m.alerters {
		// Never block the caller on a slow sink.
		go alerter.Alert(level, message, metadata)
	}
}

// SlackAlerter posts alerts to a Slack incoming webhook.
type SlackAlerter struct {
	webhookURL string
	username   string
	client     *http.Client
}

func NewSlackAlerter(webhookURL, username string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		username:   username,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *SlackAlerter) Alert(level AlertLevel, message string, metadata map[string]any) {
	if s.webhookURL == "" {
		return // Not configured
	}

	fields := []map[string]any{}
	for k, v := range metadata {
		fields = append(fields, map[string]any{
			"title": k,
			"value": fmt.Sprintf("%v", v),
			"short": true,
		})
	}

	payload := map[string]any{
		"username": s.username,
		"text":     fmt.Sprintf("*%s Alert*", level),
		"attachments": []map[string]any{
			{
				"color":     s.color(level),
				"title":     message,
				"fields":    fields,
				"timestamp": time.Now().Unix(),
				"footer":    "Seckill Engine",
			},
		},
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return
	}

	// Alerting must never break the server.
	_, _ = s.client.Post(s.webhookURL, "application/json", bytes.NewBuffer(jsonPayload))
}

func (s *SlackAlerter) color(level AlertLevel) string {
	switch level {
	case AlertCritical, AlertError:
		return "danger"
	case AlertWarning:
		return "warning"
	default:
		return "good"
	}
}

// LogAlerter emits alerts as structured log events. Default sink in
// development and the fallback when no webhook is configured.
type LogAlerter struct {
	logger zerolog.Logger
}

func NewLogAlerter(logger zerolog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With().Str("component", "alerter").Logger()}
}

func (l *LogAlerter) Alert(level AlertLevel, message string, metadata map[string]any) {
	var event *zerolog.Event
	switch level {
	case AlertCritical, AlertError:
		event = l.logger.Error()
	case AlertWarning:
		event = l.logger.Warn()
	default:
		event = l.logger.Info()
	}
	event = event.Str("alert_level", string(level))
	for k, v := range metadata {
		event = event.Interface(k, v)
	}
	event.Msg(message)
}
