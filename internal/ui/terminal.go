// Package ui renders backtest progress on a terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/backtest"
	"github.com/tathienbao/reconbot/internal/types"
	"golang.org/x/term"
)

// ANSI escape codes
const (
	ClearLine   = "\033[2K"
	MoveToStart = "\r"
	HideCursor  = "\033[?25l"
	ShowCursor  = "\033[?25h"
	ColorReset  = "\033[0m"
	ColorGreen  = "\033[32m"
	ColorRed    = "\033[31m"
	ColorCyan   = "\033[36m"
	ColorDim    = "\033[2m"
	ColorBold   = "\033[1m"
)

// BacktestUI draws a progress bar, a candle chart of the recent bars and a
// stats line, redrawing in place on every update.
type BacktestUI struct {
	out io.Writer

	candles     []*types.Bar
	maxCandles  int
	chartHeight int
	width       int

	startEquity decimal.Decimal
	last        backtest.ProgressUpdate

	linesPrinted int
}

// NewBacktestUI creates a display writing to out. A nil out means stdout,
// sized from the terminal.
func NewBacktestUI(out io.Writer, startEquity decimal.Decimal) *BacktestUI {
	width := 80
	if out == nil {
		out = os.Stdout
		width = terminalWidth()
	}

	maxCandles := width - 20
	if maxCandles < 20 {
		maxCandles = 20
	}
	if maxCandles > 100 {
		maxCandles = 100
	}

	return &BacktestUI{
		out:         out,
		maxCandles:  maxCandles,
		chartHeight: 12,
		width:       width,
		startEquity: startEquity,
		last:        backtest.ProgressUpdate{Equity: startEquity},
	}
}

// Start hides the cursor.
func (ui *BacktestUI) Start() {
	fmt.Fprint(ui.out, HideCursor)
	fmt.Fprintln(ui.out)
}

// Stop restores the cursor.
func (ui *BacktestUI) Stop() {
	fmt.Fprint(ui.out, ShowCursor)
	fmt.Fprintln(ui.out)
}

// Update is a backtest.ProgressCallback.
func (ui *BacktestUI) Update(u backtest.ProgressUpdate) {
	if u.Candle != nil {
		ui.candles = append(ui.candles, u.Candle)
		if len(ui.candles) > ui.maxCandles {
			ui.candles = ui.candles[1:]
		}
	}
	ui.last = u
	ui.Render()
}

// Render draws the current state over the previous frame.
func (ui *BacktestUI) Render() {
	if ui.linesPrinted > 0 {
		fmt.Fprintf(ui.out, "\033[%dA", ui.linesPrinted)
	}

	lines := []string{ui.progressLine()}
	lines = append(lines, ui.renderChart()...)
	lines = append(lines, ui.statsLine())

	for _, line := range lines {
		fmt.Fprint(ui.out, ClearLine)
		fmt.Fprintln(ui.out, line)
	}
	ui.linesPrinted = len(lines)
}

func (ui *BacktestUI) progressLine() string {
	progress := 0.0
	if ui.last.TotalBars > 0 {
		progress = float64(ui.last.Bar) / float64(ui.last.TotalBars)
	}
	barWidth := ui.width - 30
	if barWidth < 20 {
		barWidth = 20
	}
	filled := int(progress * float64(barWidth))
	return fmt.Sprintf("%s%s%s %.1f%% [%d/%d]%s",
		ColorCyan, strings.Repeat("█", filled), strings.Repeat("░", barWidth-filled),
		progress*100, ui.last.Bar, ui.last.TotalBars, ColorReset)
}

func (ui *BacktestUI) statsLine() string {
	pnlPct := decimal.Zero
	if !ui.startEquity.IsZero() {
		pnlPct = ui.last.Equity.Sub(ui.startEquity).Div(ui.startEquity).Mul(decimal.NewFromInt(100))
	}
	pnlColor := ColorGreen
	if pnlPct.IsNegative() {
		pnlColor = ColorRed
	}

	return fmt.Sprintf("%sEquity:%s %s (%s%+.2f%%%s) │ %sDD:%s %.2f%% │ %sClosed:%s %d │ %sOpen:%s %d │ %sWin:%s %.1f%%",
		ColorBold, ColorReset, ui.last.Equity.StringFixed(2),
		pnlColor, pnlPct.InexactFloat64(), ColorReset,
		ColorBold, ColorReset, ui.last.Drawdown.InexactFloat64()*100,
		ColorBold, ColorReset, ui.last.Closed,
		ColorBold, ColorReset, ui.last.Open,
		ColorBold, ColorReset, ui.last.WinRate.InexactFloat64()*100)
}

// renderChart draws an ASCII candlestick chart with a price axis.
func (ui *BacktestUI) renderChart() []string {
	height := ui.chartHeight
	if len(ui.candles) < 2 {
		lines := make([]string, height)
		for i := range lines {
			lines[i] = ColorDim + "│" + ColorReset
		}
		return lines
	}

	minPrice, maxPrice := ui.candles[0].Low, ui.candles[0].High
	for _, c := range ui.candles {
		minPrice = decimal.Min(minPrice, c.Low)
		maxPrice = decimal.Max(maxPrice, c.High)
	}
	priceRange := maxPrice.Sub(minPrice)
	if priceRange.IsZero() {
		priceRange = decimal.NewFromInt(1)
	}
	padding := priceRange.Mul(decimal.RequireFromString("0.05"))
	minPrice = minPrice.Sub(padding)
	priceRange = maxPrice.Add(padding).Sub(minPrice)

	width := len(ui.candles)
	chart := make([][]rune, height)
	colors := make([][]string, height)
	for i := range chart {
		chart[i] = make([]rune, width)
		colors[i] = make([]string, width)
		for j := range chart[i] {
			chart[i][j] = ' '
			colors[i][j] = ColorReset
		}
	}

	for x, c := range ui.candles {
		color := ColorRed
		if c.Close.GreaterThanOrEqual(c.Open) {
			color = ColorGreen
		}

		highY := priceToY(c.High, minPrice, priceRange, height)
		lowY := priceToY(c.Low, minPrice, priceRange, height)
		bodyTop := priceToY(c.Open, minPrice, priceRange, height)
		bodyBottom := priceToY(c.Close, minPrice, priceRange, height)
		if bodyBottom < bodyTop {
			bodyTop, bodyBottom = bodyBottom, bodyTop
		}

		for y := highY; y <= lowY; y++ {
			if y >= 0 && y < height {
				chart[y][x] = '│'
				colors[y][x] = color
			}
		}
		for y := bodyTop; y <= bodyBottom; y++ {
			if y >= 0 && y < height {
				chart[y][x] = '█'
			}
		}
	}

	lines := make([]string, height)
	for y := 0; y < height; y++ {
		var sb strings.Builder
		if y%(height/4) == 0 {
			price := yToPrice(y, minPrice, priceRange, height)
			fmt.Fprintf(&sb, "%s%9.1f%s │", ColorDim, price.InexactFloat64(), ColorReset)
		} else {
			fmt.Fprintf(&sb, "%s          │%s", ColorDim, ColorReset)
		}
		for x := 0; x < width; x++ {
			sb.WriteString(colors[y][x])
			sb.WriteRune(chart[y][x])
		}
		sb.WriteString(ColorReset)
		lines[y] = sb.String()
	}
	return append(lines, fmt.Sprintf("%s          └%s%s", ColorDim, strings.Repeat("─", width), ColorReset))
}

func priceToY(price, minPrice, priceRange decimal.Decimal, height int) int {
	if priceRange.IsZero() {
		return height / 2
	}
	normalized := price.Sub(minPrice).Div(priceRange)
	y := decimal.NewFromInt(int64(height - 1)).Sub(normalized.Mul(decimal.NewFromInt(int64(height - 1))))
	return int(y.IntPart())
}

func yToPrice(y int, minPrice, priceRange decimal.Decimal, height int) decimal.Decimal {
	normalized := decimal.NewFromInt(int64(height - 1 - y)).Div(decimal.NewFromInt(int64(height - 1)))
	return minPrice.Add(priceRange.Mul(normalized))
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return width
}

// ProgressLine prints a single updating progress line. It is used when
// stdout is not a terminal.
func ProgressLine(w io.Writer, current, total int, message string) {
	progress := 0.0
	if total > 0 {
		progress = float64(current) / float64(total) * 100
	}
	fmt.Fprintf(w, "%s%s[%d/%d] %.1f%% - %s", ClearLine, MoveToStart, current, total, progress, message)
}

// IsTerminal reports whether stdout is an interactive terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
