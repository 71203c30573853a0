package summary

import (
	"fmt"
	"strings"
)

// DailyData describes the data required to render a daily digest message.
type DailyData struct {
	Mode                string
	Status              string
	RiskMode            string
	NetPnLAfterFeesUSD  float64
	Fills               int
	Actions             []string
	RiskHints           []string
}

// WeeklyData describes the data required to render a weekly review message.
type WeeklyData struct {
	Mode               string
	WindowLabel        string
	WindowDays         int
	TotalPnLUSD        float64
	NetPnLAfterFeesUSD float64
	Fills              int
	NetEdgeBps         float64
	QualityScore       float64
	Highlights         []string
	Warnings           []string
}

// BuildDailyData normalizes daily digest inputs into a renderable payload.
func BuildDailyData(mode string, canTrade bool, riskMode string, netPnLAfterFeesUSD float64, fills int, actions, riskHints []string) DailyData {
	status := "ACTIVE"
	if !canTrade {
		status = "PAUSE"
	}
	if len(actions) > 3 {
		actions = actions[:3]
	}
	return DailyData{
		Mode:               strings.ToUpper(strings.TrimSpace(mode)),
		Status:             status,
		RiskMode:           strings.ToUpper(strings.TrimSpace(riskMode)),
		NetPnLAfterFeesUSD: netPnLAfterFeesUSD,
		Fills:              fills,
		Actions:            actions,
		RiskHints:          riskHints,
	}
}

// BuildWeeklyData normalizes weekly digest inputs into a renderable payload.
func BuildWeeklyData(mode, windowLabel string, windowDays int, totalPnLUSD, netPnLAfterFeesUSD float64, fills int, netEdgeBps, qualityScore float64, highlights, warnings []string) WeeklyData {
	label := strings.TrimSpace(windowLabel)
	if label == "" && windowDays > 0 {
		label = fmt.Sprintf("%dd", windowDays)
	}
	return WeeklyData{
		Mode:               strings.ToUpper(strings.TrimSpace(mode)),
		WindowLabel:        label,
		WindowDays:         windowDays,
		TotalPnLUSD:        totalPnLUSD,
		NetPnLAfterFeesUSD: netPnLAfterFeesUSD,
		Fills:              fills,
		NetEdgeBps:         netEdgeBps,
		QualityScore:       qualityScore,
		Highlights:         highlights,
		Warnings:           warnings,
	}
}

// RenderDailyHTML renders a daily digest in Telegram HTML parse mode.
func RenderDailyHTML(d DailyData) string {
	var b strings.Builder
	b.WriteString("<b>Daily Trading Digest</b>\n")
	b.WriteString(fmt.Sprintf("Mode: %s\nStatus: %s\nRisk Mode: %s\n", d.Mode, d.Status, d.RiskMode))
	b.WriteString(fmt.Sprintf("Net PnL After Fees: %.2f USD\nFills: %d\n", d.NetPnLAfterFeesUSD, d.Fills))
	if len(d.Actions) > 0 {
		b.WriteString("\n<b>Top Actions</b>\n")
		for _, a := range d.Actions {
			b.WriteString("- " + a + "\n")
		}
	}
	if len(d.RiskHints) > 0 {
		b.WriteString("\n<b>Risk Hints</b>\n")
		for _, h := range d.RiskHints {
			b.WriteString("- " + h + "\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// RenderWeeklyHTML renders a weekly review in Telegram HTML parse mode.
func RenderWeeklyHTML(w WeeklyData) string {
	var b strings.Builder
	b.WriteString("<b>Weekly Trading Review</b>\n")
	if w.WindowDays > 0 {
		b.WriteString(fmt.Sprintf("Window: %s (%d days)\n", w.WindowLabel, w.WindowDays))
	} else {
		b.WriteString(fmt.Sprintf("Window: %s\n", w.WindowLabel))
	}
	if w.Mode != "" {
		b.WriteString(fmt.Sprintf("Mode: %s\n", w.Mode))
	}
	b.WriteString(fmt.Sprintf("Total PnL: %.2f USD\nNet PnL After Fees: %.2f USD\n", w.TotalPnLUSD, w.NetPnLAfterFeesUSD))
	b.WriteString(fmt.Sprintf("Fills: %d\nNet Edge: %.2f bps\nQuality Score: %.2f\n", w.Fills, w.NetEdgeBps, w.QualityScore))
	if len(w.Highlights) > 0 {
		b.WriteString("\n<b>Highlights</b>\n")
		for _, h := range w.Highlights {
			b.WriteString("- " + h + "\n")
		}
	}
	if len(w.Warnings) > 0 {
		b.WriteString("\n<b>Warnings</b>\n")
		for _, warn := range w.Warnings {
			b.WriteString("- " + warn + "\n")
		}
	}
	return strings.TrimSpace(b.String())
}
