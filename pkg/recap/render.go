package recap

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

const (
	maxListedTokens  = 15
	maxListedWallets = 10
)

// RenderText produces the chat-friendly plain-text form of a report.
func RenderText(r *Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "📊 Confluence recap: last %dh\n", r.WindowHours)
	if r.Total == 0 {
		b.WriteString("No confluences in this window.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Detections: %d · analyzed %d/%d", r.Total, r.Analyzed, r.Total)
	if r.QuickDumps > 0 {
		fmt.Fprintf(&b, " · quick dumps %d", r.QuickDumps)
	}
	b.WriteString("\n")

	if r.Analyzed == 0 {
		b.WriteString("Nothing analyzable")
		if len(r.SkipReasons) > 0 {
			fmt.Fprintf(&b, " (%s)", joinReasons(r.SkipReasons))
		}
		b.WriteString(".\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Hit rate ≥100%%: %.0f%% · median %+.0f%% · mean %+.0f%%\n\n",
		r.HitRate, r.MedianGain, r.MeanGain)

	b.WriteString("Tokens:\n")
	for i, t := range r.Tokens {
		if i == maxListedTokens {
			fmt.Fprintf(&b, "  … and %d more\n", len(r.Tokens)-i)
			break
		}
		if !t.Analyzed {
			fmt.Fprintf(&b, "  %s: not analyzed\n", displaySymbol(t))
			continue
		}
		fmt.Fprintf(&b, "  %s: %+.0f%% (ATH in %s, MC %s, %d wallets)",
			displaySymbol(t), t.Gain, fmtMinutes(t.MinutesToATH), compactUSD(t.DetectionMC), t.WalletCount)
		if t.QuickDump {
			b.WriteString(" ⚠️ quick dump")
		}
		b.WriteString("\n")
	}

	b.WriteString("\nGains:\n")
	for _, bucket := range r.Buckets {
		if bucket.Count == 0 {
			continue
		}
		fmt.Fprintf(&b, "  %-10s %s %d\n", bucket.Label, strings.Repeat("▇", bucket.Count), bucket.Count)
	}

	if len(r.Wallets) > 0 {
		b.WriteString("\nWallets:\n")
		for i, w := range r.Wallets {
			if i == maxListedWallets {
				break
			}
			fmt.Fprintf(&b, "  %s: %d signals (%d early), avg %+.0f%%\n", w.Label, w.Signals, w.Early, w.AvgGain)
		}
	}
	return b.String()
}

// RenderTable writes the operator-facing table form, colorized for
// terminals.
func RenderTable(w io.Writer, r *Report) {
	bold := color.New(color.Bold).SprintfFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Fprintln(w, bold("Confluence recap, last %dh", r.WindowHours))
	fmt.Fprintf(w, "detections %d, analyzed %d/%d, quick dumps %d\n", r.Total, r.Analyzed, r.Total, r.QuickDumps)
	if r.Analyzed > 0 {
		fmt.Fprintf(w, "hit rate ≥100%%: %.0f%%, median %+.0f%%, mean %+.0f%%\n", r.HitRate, r.MedianGain, r.MeanGain)
	} else if len(r.SkipReasons) > 0 {
		fmt.Fprintf(w, "nothing analyzable: %s\n", joinReasons(r.SkipReasons))
	}
	if r.Total == 0 {
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Token", "Gain", "To ATH", "MC@Detect", "Wallets", "Detected"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, t := range r.Tokens {
		gain, toATH := "-", "-"
		if t.Analyzed {
			gain = fmt.Sprintf("%+.0f%%", t.Gain)
			switch {
			case t.QuickDump:
				gain = red(gain + " dump")
			case t.Gain >= 100:
				gain = green(gain)
			}
			toATH = fmtMinutes(t.MinutesToATH)
		}
		table.Append([]string{
			displaySymbol(t), gain, toATH, compactUSD(t.DetectionMC),
			strconv.Itoa(t.WalletCount), t.DetectionTime.Format("01-02 15:04"),
		})
	}
	table.Render()

	if len(r.Wallets) == 0 {
		return
	}
	wt := tablewriter.NewWriter(w)
	wt.SetHeader([]string{"Wallet", "Signals", "Early", "Avg Gain", "Score"})
	wt.SetAlignment(tablewriter.ALIGN_LEFT)
	for i, ws := range r.Wallets {
		if i == maxListedWallets {
			break
		}
		wt.Append([]string{
			ws.Label, strconv.Itoa(ws.Signals), strconv.Itoa(ws.Early),
			fmt.Sprintf("%+.0f%%", ws.AvgGain), fmt.Sprintf("%.0f", ws.Score),
		})
	}
	wt.Render()
}

func displaySymbol(t TokenRecap) string {
	if t.Symbol != "" {
		return t.Symbol
	}
	if len(t.Address) > 8 {
		return t.Address[:4] + "…" + t.Address[len(t.Address)-4:]
	}
	return t.Address
}

func joinReasons(reasons map[string]int) string {
	parts := make([]string, 0, len(reasons))
	for reason, n := range reasons {
		parts = append(parts, fmt.Sprintf("%s ×%d", reason, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

func compactUSD(v float64) string {
	switch {
	case v <= 0:
		return "-"
	case v >= 1e9:
		return fmt.Sprintf("$%.1fB", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("$%.1fM", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("$%.0fk", v/1e3)
	default:
		return fmt.Sprintf("$%.0f", v)
	}
}

func fmtMinutes(m float64) string {
	if m >= 120 {
		return fmt.Sprintf("%.1fh", m/60)
	}
	return fmt.Sprintf("%.0fm", m)
}
