package main

import (
	"fmt"

	cl "marketsync/internal/cli"
	"marketsync/internal/pricing"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
)

var (
	accent  = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen, color.Bold)
	warn    = color.New(color.FgYellow, color.Bold)
	danger  = color.New(color.FgRed, color.Bold)
	neutral = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func renderQuote(r pricing.Result) {
	accent.Printf("\n== QUOTE method %d x %s ==\n", r.MethodID, r.Quantity.String())
	fmt.Printf("%-28s %12s\n", "Subtotal", "$"+r.Breakdown.Subtotal.StringFixed(2))
	for _, m := range r.AppliedModifiers {
		switch {
		case m.Informational:
			warn.Printf("  ℹ %s\n", truncate(m.Name, 40))
		case m.Applied:
			fmt.Printf("  %-26s %12s\n", truncate(m.Name, 26), colorizeAmount(m.AppliedAmount))
		default:
			neutral.Printf("  %-26s %12s (%s)\n", truncate(m.Name, 26), "skipped", m.Reason)
		}
	}
	success.Printf("%-28s %12s\n\n", "Final price", "$"+r.FinalPrice.StringFixed(2))
}

func renderHealth(h cl.HealthReport) {
	if !h.SyncEnabled {
		printWarn("Discord sync is disabled on this API instance.")
		return
	}
	accent.Println("\n== SYNC HEALTH ==")
	fmt.Printf("%-20s %s\n", "success rate", colorizeRate(h.Health.SuccessRate))
	fmt.Printf("%-20s %s\n", "cache hit rate", colorizeRate(h.Health.CacheHitRate))
	fmt.Printf("%-20s %d\n", "active locks", h.Health.ActiveLocks)
	fmt.Printf("%-20s %d\n", "scheduled", h.Health.Scheduled)
	fmt.Printf("%-20s %d ok / %d failed / %d retries / %d dropped\n", "runs",
		h.Health.Successes, h.Health.Failures, h.Health.Retries, h.Health.Dropped)

	if len(h.Jobs) == 0 {
		printInfo("No surfaces tracked yet.")
		return
	}
	fmt.Printf("\n%-20s %-10s %-8s %s\n", "SURFACE", "STATE", "ATTEMPT", "LAST ERROR")
	for _, j := range h.Jobs {
		line := fmt.Sprintf("%-20s %-10s %-8d %s", truncate(j.SurfaceKey, 20), j.State, j.Attempt, truncate(j.LastError, 60))
		if j.LastError != "" {
			danger.Println(line)
			continue
		}
		fmt.Println(line)
	}
	fmt.Println()
}

func colorizeAmount(d decimal.Decimal) string {
	s := "$" + d.Abs().StringFixed(2)
	if d.IsNegative() {
		return success.Sprint("-" + s)
	}
	return danger.Sprint("+" + s)
}

func colorizeRate(v float64) string {
	s := fmt.Sprintf("%.1f%%", v*100)
	switch {
	case v >= 0.95:
		return success.Sprint(s)
	case v >= 0.75:
		return warn.Sprint(s)
	default:
		return danger.Sprint(s)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
