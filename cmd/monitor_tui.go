// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/kiln/pkg/ovenlink"
	"github.com/Thermoquad/kiln/pkg/profile"
	"github.com/Thermoquad/kiln/pkg/reflow"
	"github.com/Thermoquad/kiln/pkg/session"
	"github.com/Thermoquad/kiln/pkg/transport"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	maxEvents       = 100
	maxTemperatures = 60
	tuiWaitTimeout  = 10 * time.Second
)

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// monitorController is the part of a session the TUI drives
type monitorController interface {
	Connect(ctx context.Context, deviceID string) error
	Submit(c ovenlink.Command) *session.Future
	Snapshot() session.Snapshot
}

// profileItem implements list.Item
type profileItem struct {
	p *profile.Profile
}

func (i profileItem) Title() string { return i.p.ID() }
func (i profileItem) Description() string {
	return fmt.Sprintf("%s, %s, peak %.0f°C", i.p.Name(), i.p.Duration(), i.p.PeakTemperature())
}
func (i profileItem) FilterValue() string { return i.p.ID() }

// monitorModel is the Bubble Tea model for the monitor TUI
type monitorModel struct {
	ctl    monitorController
	device string

	profiles list.Model

	snap         session.Snapshot
	stats        ovenlink.Statistics
	temperatures []float64
	lastSample   time.Time

	events []eventMsg

	width    int
	height   int
	quitting bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type monitorTickMsg time.Time

type snapshotMsg struct {
	snap  session.Snapshot
	stats ovenlink.Statistics
}

type eventMsg struct {
	at      time.Time
	message string
	isError bool
}

type commandDoneMsg struct {
	cmd ovenlink.Command
	res session.Result
	err error
}

type connectDoneMsg struct {
	err error
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialMonitorModel(ctl monitorController, device string, store *profile.Store) monitorModel {
	items := make([]list.Item, 0, store.Len())
	for _, id := range store.IDs() {
		p, err := store.Get(id)
		if err == nil {
			items = append(items, profileItem{p: p})
		}
	}

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	profiles := list.New(items, delegate, 34, 12)
	profiles.Title = "Profiles"
	profiles.SetShowStatusBar(false)
	profiles.SetShowHelp(false)
	profiles.SetFilteringEnabled(false)

	return monitorModel{
		ctl:      ctl,
		device:   device,
		profiles: profiles,
		snap:     ctl.Snapshot(),
		width:    80,
		height:   24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(monitorTickCmd(), m.connectCmd())
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.profiles.SetHeight(max(6, m.height-24))

	case monitorTickMsg:
		return m, monitorTickCmd()

	case snapshotMsg:
		m.snap = msg.snap
		m.stats = msg.stats
		if t := msg.snap.LastTelemetry; t != nil && t.Timestamp.After(m.lastSample) {
			m.lastSample = t.Timestamp
			m.temperatures = append(m.temperatures, t.TemperatureCelsius)
			if len(m.temperatures) > maxTemperatures {
				m.temperatures = m.temperatures[len(m.temperatures)-maxTemperatures:]
			}
		}

	case eventMsg:
		m.addEvent(msg)

	case commandDoneMsg:
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("%s: %v", msg.cmd, msg.err), true)
		} else {
			m.addLogEntry(fmt.Sprintf("%s acknowledged (seq %d, %v)", msg.cmd, msg.res.Seq, msg.res.RTT.Round(time.Millisecond)), false)
		}

	case connectDoneMsg:
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Connect failed: %v", msg.err), true)
		} else {
			m.addLogEntry("Connected to "+m.device, false)
		}
		m.snap = m.ctl.Snapshot()
	}

	return m, nil
}

func (m monitorModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "enter":
		item, ok := m.profiles.SelectedItem().(profileItem)
		if !ok {
			return m, nil
		}
		m.addLogEntry("Starting "+item.p.ID(), false)
		return m, m.submitCmd(ovenlink.Start(item.p.ID()))

	case "x":
		m.addLogEntry("Stopping", false)
		return m, m.submitCmd(ovenlink.Stop())

	case "c":
		m.addLogEntry("Connecting to "+m.device, false)
		return m, m.connectCmd()

	case "up", "k", "down", "j":
		var cmd tea.Cmd
		m.profiles, cmd = m.profiles.Update(msg)
		return m, cmd
	}

	return m, nil
}

// submitCmd queues c now and waits for its result off the UI goroutine
func (m monitorModel) submitCmd(c ovenlink.Command) tea.Cmd {
	f := m.ctl.Submit(c)
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), tuiWaitTimeout)
		defer cancel()
		res, err := f.Wait(ctx)
		if err == nil {
			err = res.Err
		}
		return commandDoneMsg{cmd: c, res: res, err: err}
	}
}

func (m monitorModel) connectCmd() tea.Cmd {
	ctl, device := m.ctl, m.device
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), tuiWaitTimeout)
		defer cancel()
		return connectDoneMsg{err: ctl.Connect(ctx, device)}
	}
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.addEvent(eventMsg{at: time.Now(), message: message, isError: isError})
}

func (m *monitorModel) addEvent(ev eventMsg) {
	m.events = append(m.events, ev)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	s.WriteString(titleStyle.Render("KILN MONITOR"))
	s.WriteString(" ")
	s.WriteString(m.renderLinkStatus())
	s.WriteString(headerStyle.Render(" | enter: start | x: stop | c: connect | q: quit"))
	s.WriteString("\n\n")

	leftWidth := 36
	rightWidth := max(30, m.width-leftWidth-6)
	left := boxStyle.Width(leftWidth).Render(m.profiles.View())
	right := boxStyle.Width(rightWidth).Render(m.renderRunPanel())
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right))
	s.WriteString("\n")

	s.WriteString(m.renderStatisticsBar())
	s.WriteString("\n")
	s.WriteString(m.renderEventLog())

	return s.String()
}

func (m monitorModel) renderLinkStatus() string {
	switch {
	case m.snap.Degraded:
		return errorStyle.Render("DEGRADED (press c)")
	case m.snap.Link == transport.Connected:
		return valueStyle.Render("CONNECTED")
	case m.snap.Link == transport.Connecting:
		return warningStyle.Render("CONNECTING...")
	default:
		return warningStyle.Render(m.snap.Link.String())
	}
}

func (m monitorModel) renderRunPanel() string {
	var s strings.Builder
	snap := m.snap

	phaseStyle := valueStyle
	switch {
	case snap.Phase == reflow.PhaseFault:
		phaseStyle = errorStyle
	case snap.Phase.Heating():
		phaseStyle = warningStyle
	}
	s.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Phase:"), phaseStyle.Render(snap.Phase.String())))

	if snap.Phase.Active() {
		s.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Profile:"), valueStyle.Render(snap.ActiveProfile)))
		elapsed := time.Since(snap.RunStart).Round(time.Second)
		inPhase := time.Since(snap.PhaseEntry).Round(time.Second)
		s.WriteString(fmt.Sprintf("%s %s (phase %s)\n", labelStyle.Render("Elapsed:"), valueStyle.Render(elapsed.String()), inPhase))
	}
	if snap.Phase == reflow.PhaseFault {
		s.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Fault:"), errorStyle.Render(snap.FaultReason)))
	}
	if snap.HasSetpoint {
		s.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Setpoint:"), valueStyle.Render(fmt.Sprintf("%.1f°C", snap.Setpoint))))
	}
	s.WriteString("\n")

	t := snap.LastTelemetry
	if t == nil {
		s.WriteString(headerStyle.Render("Waiting for telemetry..."))
		return s.String()
	}

	s.WriteString(fmt.Sprintf("%s %s  %s %s\n",
		labelStyle.Render("Oven:"), valueStyle.Render(fmt.Sprintf("%.1f°C", t.TemperatureCelsius)),
		labelStyle.Render("Heater:"), valueStyle.Render(fmt.Sprintf("%d%%", t.HeaterDutyPercent))))
	fault := valueStyle.Render(ovenlink.FormatFault(t.Fault))
	if t.HasFault() {
		fault = errorStyle.Render(ovenlink.FormatFault(t.Fault))
	}
	s.WriteString(fmt.Sprintf("%s %s  %s %s\n",
		labelStyle.Render("Fault:"), fault,
		labelStyle.Render("Uptime:"), valueStyle.Render(t.DeviceUptime.Round(time.Second).String())))
	s.WriteString(sparkline(m.temperatures))

	return s.String()
}

func (m monitorModel) renderStatisticsBar() string {
	st := m.stats
	validPercent := 0.0
	errorPercent := 0.0
	if st.TotalFrames > 0 {
		validPercent = float64(st.ValidFrames) / float64(st.TotalFrames) * 100
		errorPercent = 100 - validPercent
	}

	errors := valueStyle.Render("0.0%")
	if errorPercent > 0 {
		errors = errorStyle.Render(fmt.Sprintf("%.1f%%", errorPercent))
	}
	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s  %s %s",
		labelStyle.Render("Frames:"), valueStyle.Render(fmt.Sprintf("%d", st.TotalFrames)),
		labelStyle.Render("Valid:"), valueStyle.Render(fmt.Sprintf("%.1f%%", validPercent)),
		labelStyle.Render("Errors:"), errors,
		labelStyle.Render("Sync lost:"), valueStyle.Render(fmt.Sprintf("%d", st.SyncLosses)),
		labelStyle.Render("Rate:"), valueStyle.Render(fmt.Sprintf("%.1f fr/s", st.FrameRate)))

	return boxStyle.Width(max(40, m.width-4)).Render(content)
}

func (m monitorModel) renderEventLog() string {
	var s strings.Builder
	s.WriteString(labelStyle.Render("EVENTS"))
	s.WriteString("\n")

	logHeight := min(8, len(m.events))
	if len(m.events) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	}
	for _, entry := range m.events[len(m.events)-logHeight:] {
		icon, style := "i", warningStyle
		if entry.isError {
			icon, style = "x", errorStyle
		}
		s.WriteString(fmt.Sprintf("%s %s %s\n",
			headerStyle.Render(entry.at.Format("15:04:05.000")),
			style.Render(icon),
			entry.message))
	}

	return boxStyle.Width(max(40, m.width-4)).Render(s.String())
}

// sparkline renders temperatures scaled between their min and max
func sparkline(temps []float64) string {
	if len(temps) == 0 {
		return ""
	}
	lo, hi := temps[0], temps[0]
	for _, t := range temps {
		lo = min(lo, t)
		hi = max(hi, t)
	}

	var b strings.Builder
	for _, t := range temps {
		i := 0
		if hi > lo {
			i = int((t - lo) / (hi - lo) * float64(len(sparkBlocks)-1))
		}
		b.WriteRune(sparkBlocks[i])
	}
	return b.String()
}
