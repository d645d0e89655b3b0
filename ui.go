package main

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/zerolethanh/sysutil/internal/procs"
)

const keyHelp = "[yellow]Tab[white] switch  [yellow]k[white] kill (TERM)  [yellow]K[white] kill (KILL)  [yellow]w[white] whois  [yellow]q[white] quit"

const gib = 1 << 30

// topView holds the widgets of `sysutil top`.
type topView struct {
	sysInfo *tview.TextView
	netIO   *tview.TextView
	status  *tview.TextView
	output  *tview.TextView
	procs   *tview.Table
	conns   *tview.Table
	pages   *tview.Pages
}

func newTopView() *topView {
	v := &topView{
		sysInfo: newPanel(" 📊 System Info ", "Collecting system data...", tview.AlignLeft),
		netIO:   newPanel(" 🌐 Network I/O ", "Collecting network data...", tview.AlignCenter),
		status:  tview.NewTextView().SetDynamicColors(true).SetText(keyHelp),
		output:  tview.NewTextView().SetScrollable(true).SetWrap(true),
		procs:   newTable(" ⚙️ Top Processes (RAM) ", tcell.ColorCadetBlue),
		conns:   newTable(" 🔌 Network Connections ", tcell.ColorGreen),
	}
	v.output.SetBorder(true).SetTitleColor(tcell.ColorYellow)

	tables := tview.NewFlex().
		AddItem(v.procs, 0, 1, true).
		AddItem(v.conns, 0, 1, true)

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(v.netIO, 3, 1, false).
		AddItem(v.sysInfo, 4, 1, false).
		AddItem(tables, 0, 1, true).
		AddItem(v.status, 1, 1, false)

	v.pages = tview.NewPages().
		AddPage("main", layout, true, true).
		AddPage("output", v.output, true, false)
	return v
}

func newPanel(title, placeholder string, align int) *tview.TextView {
	view := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(align).
		SetText(placeholder)
	view.SetBorder(true).SetTitle(title).SetTitleColor(tcell.ColorGreen)
	return view
}

func newTable(title string, color tcell.Color) *tview.Table {
	table := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	table.SetBorder(true).SetTitle(title).SetTitleColor(color)
	return table
}

func setHeader(table *tview.Table, headers ...string) {
	for c, h := range headers {
		table.SetCell(0, c, tview.NewTableCell(h).SetTextColor(tcell.ColorYellow).SetSelectable(false))
	}
}

// setStatus shows msg after the key help.
func (v *topView) setStatus(format string, args ...interface{}) {
	v.status.SetText(keyHelp + "   " + fmt.Sprintf(format, args...))
}

// showOutput opens the output pane over the tables.
func (v *topView) showOutput(app *tview.Application, title, text string) {
	v.output.SetTitle(" " + title + " (Esc to close) ")
	v.output.SetText(text).ScrollToBeginning()
	v.pages.ShowPage("output")
	app.SetFocus(v.output)
}

func (v *topView) hideOutput(app *tview.Application) {
	v.pages.HidePage("output")
	app.SetFocus(v.procs)
}

// update redraws every panel from s. Must run on the UI goroutine.
func (v *topView) update(s sample, procLimit, connLimit int) {
	v.updateSysInfo(s.stats)
	v.netIO.SetText(fmt.Sprintf("[yellow]Download (In):[white] %7.2f KB/s   |   [yellow]Upload (Out):[white] %7.2f KB/s   |   🕒 %s",
		s.dlSpeed, s.ulSpeed, time.Now().Format("15:04:05")))
	v.updateProcs(s, procLimit)
	v.updateConns(s.connList, connLimit)
}

func (v *topView) updateSysInfo(stats procs.Stats) {
	m := stats.Memory
	if m == nil {
		return
	}
	v.sysInfo.SetText(fmt.Sprintf(
		"[yellow]CPU Usage: [white]%5.2f%%   [yellow]RAM (Used/Total): [white]%.2f/%.2f GiB (%5.2f%%)\n"+
			"             [yellow]Available: [white]%.2f GiB",
		stats.CPUPercent, float64(m.Used)/gib, float64(m.Total)/gib, m.UsedPercent, float64(m.Available)/gib,
	))
}

// updateProcs lists at most limit processes. CPU is shown as each process's
// share of the system-wide usage.
func (v *topView) updateProcs(s sample, limit int) {
	v.procs.Clear()
	setHeader(v.procs, "PID", "USER", "NAME", "CPU (%)", "RAM (%) / MB")

	var totalMB float64
	if s.stats.Memory != nil {
		totalMB = float64(s.stats.Memory.Total) / (1 << 20)
	}

	for i, p := range s.procList {
		if i >= limit {
			break
		}
		var share float64
		if s.totalProcCPU > 0 {
			share = p.CPUPercent / s.totalProcCPU * s.stats.CPUPercent
		}
		row := i + 1
		v.procs.SetCell(row, 0, tview.NewTableCell(fmt.Sprint(p.PID)))
		v.procs.SetCell(row, 1, tview.NewTableCell(p.Owner).SetTextColor(tcell.ColorCadetBlue))
		v.procs.SetCell(row, 2, tview.NewTableCell(p.Name).SetTextColor(tcell.ColorGreen))
		v.procs.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%.2f", share)))
		v.procs.SetCell(row, 4, tview.NewTableCell(fmt.Sprintf("%.2f%% / %.2fMB", p.MemoryPercent, float64(p.MemoryPercent)/100*totalMB)))
	}
}

func (v *topView) updateConns(rows []ConnRow, limit int) {
	v.conns.Clear()
	setHeader(v.conns, "PID", "PROCESS", "LOCAL ADDR", "REMOTE ADDR", "STATUS")

	for i, c := range rows {
		if i >= limit {
			break
		}
		row := i + 1
		v.conns.SetCell(row, 0, tview.NewTableCell(fmt.Sprint(c.PID)))
		v.conns.SetCell(row, 1, tview.NewTableCell(c.ProcessName).SetTextColor(tcell.ColorGreen))
		v.conns.SetCell(row, 2, tview.NewTableCell(c.LocalAddr))
		// whois needs the IP even after the name resolves
		v.conns.SetCell(row, 3, tview.NewTableCell(c.RemoteAddr).SetReference(c.RemoteIP))
		v.conns.SetCell(row, 4, tview.NewTableCell(c.Status).SetTextColor(tcell.ColorCadetBlue))
	}
}
