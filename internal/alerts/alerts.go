// Package alerts bridges risk denials, kill-switch trips, and controller
// config reloads onto the alerts.fired bus topic, and best-effort forwards each
// one to Telegram when a bot token and chat are configured.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackforestdev/njord-quant/internal/bus"
	"github.com/blackforestdev/njord-quant/internal/contracts"
	"github.com/blackforestdev/njord-quant/internal/controller"
	"github.com/blackforestdev/njord-quant/internal/killswitch"
	"github.com/blackforestdev/njord-quant/internal/risk"
	"github.com/blackforestdev/njord-quant/internal/summary"
)

const TopicAlertsFired = "alerts.fired"

// Event is the payload published to alerts.fired.
type Event struct {
	Kind    string `json:"kind"` // risk_denied, killswitch_tripped, config_reloaded
	Message string `json:"message"`
	TSNs    int64  `json:"ts_ns"`
}

// Notifier sends alerts to a Telegram chat via the Bot API.
type Notifier struct {
	botToken   string
	chatID     string
	httpClient *http.Client
	enabled    bool
	baseURL    string // overridable for testing; defaults to Telegram API
}

// NewNotifier creates a Notifier. Notifications are enabled only when both
// botToken and chatID are non-empty.
func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		botToken:   botToken,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		enabled:    botToken != "" && chatID != "",
	}
}

// Enabled reports whether the notifier is active.
func (n *Notifier) Enabled() bool { return n.enabled }

// Send posts a message to the configured Telegram chat.
func (n *Notifier) Send(ctx context.Context, msg string) error {
	if !n.enabled {
		return nil
	}

	endpoint := n.baseURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.botToken)
	}
	vals := url.Values{
		"chat_id":    {n.chatID},
		"text":       {msg},
		"parse_mode": {"HTML"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("alerts: build request: %w", err)
	}
	req.URL.RawQuery = vals.Encode()

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("alerts: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Description string `json:"description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("alerts: telegram %d: %s", resp.StatusCode, body.Description)
	}
	return nil
}

// Dispatcher subscribes to risk.decisions and the controller's reload
// topic, and polls the kill-switch for the tripped-edge transition,
// republishing each noteworthy event onto alerts.fired and forwarding it
// to the configured Notifier.
type Dispatcher struct {
	bus            *bus.Bus
	clock          contracts.Clock
	ks             *killswitch.Switch
	pollInterval   time.Duration
	digestInterval time.Duration
	notifier       *Notifier
	log            zerolog.Logger

	fillsSinceDigest  int
	deniedSinceDigest int
}

func NewDispatcher(b *bus.Bus, clock contracts.Clock, ks *killswitch.Switch, notifier *Notifier, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		bus:            b,
		clock:          clock,
		ks:             ks,
		pollInterval:   time.Second,
		digestInterval: 24 * time.Hour,
		notifier:       notifier,
		log:            log.With().Str("component", "alerts").Logger(),
	}
}

// Run subscribes risk.decisions, fills.new, and controller.reload, polls
// the kill-switch, and periodically forwards a daily digest, blocking
// until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	decisions := d.bus.Subscribe(risk.TopicRiskDecisions)
	defer decisions.Unsubscribe()
	fills := d.bus.Subscribe("fills.new")
	defer fills.Unsubscribe()
	reloads := d.bus.Subscribe(controller.TopicControllerReload)
	defer reloads.Unsubscribe()

	pollTicker := time.NewTicker(d.pollInterval)
	defer pollTicker.Stop()
	digestTicker := time.NewTicker(d.digestInterval)
	defer digestTicker.Stop()
	wasTripped := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-decisions.C():
			if !ok {
				return nil
			}
			if dec, ok := payload.(contracts.RiskDecision); ok && !dec.Allowed {
				d.deniedSinceDigest++
				d.fire(ctx, Event{
					Kind:    "risk_denied",
					Message: fmt.Sprintf("risk denied intent %s: %s", dec.IntentID, dec.Reason),
					TSNs:    d.clock.NowNS(),
				})
			}
		case _, ok := <-fills.C():
			if !ok {
				return nil
			}
			d.fillsSinceDigest++
		case payload, ok := <-reloads.C():
			if !ok {
				return nil
			}
			if rec, ok := payload.(controller.ReloadRecord); ok {
				d.fire(ctx, Event{Kind: "config_reloaded", Message: fmt.Sprintf("config reloaded, hash %s", rec.ConfigHash), TSNs: d.clock.NowNS()})
			}
		case <-pollTicker.C:
			if d.ks == nil {
				continue
			}
			tripped := d.ks.Tripped()
			if tripped && !wasTripped {
				d.fire(ctx, Event{Kind: "killswitch_tripped", Message: "kill-switch tripped; trading halted", TSNs: d.clock.NowNS()})
			}
			wasTripped = tripped
		case <-digestTicker.C:
			d.sendDailyDigest(ctx, wasTripped)
		}
	}
}

// sendDailyDigest renders a daily digest from counts accumulated since the
// previous digest and forwards it to the notifier, then resets counters.
func (d *Dispatcher) sendDailyDigest(ctx context.Context, tripped bool) {
	in := summary.DailyAdviceInput{
		CanTrade: !tripped,
		RiskMode: "normal",
		Fills:    d.fillsSinceDigest,
	}
	if d.deniedSinceDigest > 0 {
		in.BlockedReasons = []string{fmt.Sprintf("%d risk denials", d.deniedSinceDigest)}
	}
	data := summary.BuildDailyData("paper", in.CanTrade, in.RiskMode, 0, in.Fills,
		summary.BuildDailyActions(in), summary.BuildRiskHints(in))
	msg := summary.RenderDailyHTML(data)

	if d.notifier != nil && d.notifier.Enabled() {
		if err := d.notifier.Send(ctx, msg); err != nil {
			d.log.Warn().Err(err).Msg("failed to forward daily digest to telegram")
		}
	}
	d.fillsSinceDigest = 0
	d.deniedSinceDigest = 0
}

func (d *Dispatcher) fire(ctx context.Context, evt Event) {
	d.bus.Publish(TopicAlertsFired, evt)
	if d.notifier == nil || !d.notifier.Enabled() {
		return
	}
	if err := d.notifier.Send(ctx, evt.Message); err != nil {
		d.log.Warn().Err(err).Str("kind", evt.Kind).Msg("failed to forward alert to telegram")
	}
}
