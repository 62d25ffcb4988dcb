package sender

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/SpatiumPortae/sship/cmd/sship/tui"
	"github.com/SpatiumPortae/sship/cmd/sship/tui/filetable"
	"github.com/SpatiumPortae/sship/cmd/sship/tui/transferprogress"
	"github.com/SpatiumPortae/sship/internal/manifest"
	"github.com/SpatiumPortae/sship/internal/portal"
	"github.com/SpatiumPortae/sship/internal/sender"
	"github.com/SpatiumPortae/sship/internal/transfer"
	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/timer"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
)

// ------------------------------------------------------ tui State -----------------------------------------------------

type tuiState int

// flows from the top down.
const (
	showIndexing tuiState = iota
	showCode
	showSendingProgress
	showFinished
)

// ------------------------------------------------------ Messages -----------------------------------------------------

type manifestMsg struct {
	m *manifest.Manifest
}

type offerMsg struct {
	code string
	errC chan error
}

type eventMsg struct {
	event interface{}
}

type transferDoneMsg struct{}

// ------------------------------------------------------- Model -------------------------------------------------------

type Option func(m *model)

// WithVersionCheck compares the protocol version against the rendezvous server at addr.
func WithVersionCheck(addr string) Option {
	return func(m *model) {
		m.versionAddr = addr
	}
}

// WithReceiveFlags appends flags to the receive command shown to the user.
func WithReceiveFlags(flags string) Option {
	return func(m *model) {
		m.receiveFlags = flags
	}
}

type model struct {
	state tuiState
	ctx   context.Context
	err   error

	msgs chan interface{}
	errC chan error

	path         string
	config       portal.Config
	versionAddr  string
	receiveFlags string

	code     string
	manifest *manifest.Manifest
	expires  time.Time
	rearms   int

	width            int
	spinner          spinner.Model
	transferProgress transferprogress.Model
	fileTable        filetable.Model
	help             help.Model
	keys             tui.KeyMap
	copyMessageTimer timer.Model
}

// New creates a new sender program offering the item at path.
func New(ctx context.Context, path string, config portal.Config, opts ...Option) *tea.Program {
	m := model{
		ctx:              ctx,
		path:             path,
		config:           config,
		transferProgress: transferprogress.New(),
		fileTable:        filetable.New(),
		msgs:             make(chan interface{}, 10),
		help:             help.New(),
		keys:             tui.Keys,
		copyMessageTimer: timer.NewWithInterval(tui.TEMP_UI_MESSAGE_DURATION, 100*time.Millisecond),
	}
	m.keys.FileListUp.SetEnabled(true)
	m.keys.FileListDown.SetEnabled(true)
	for _, opt := range opts {
		opt(&m)
	}
	m.resetSpinner()
	return tea.NewProgram(m)
}

// Err returns the error the program ended with, if any.
func Err(final tea.Model) error {
	if m, ok := final.(model); ok {
		return m.err
	}
	return nil
}

func (m model) Init() tea.Cmd {
	var versionCmd tea.Cmd
	if m.versionAddr != "" {
		versionCmd = tui.VersionCmd(m.ctx, m.versionAddr)
	}
	return tea.Sequence(versionCmd, tea.Batch(m.spinner.Tick, buildManifestCmd(m.path)))
}

// ------------------------------------------------------- Update ------------------------------------------------------

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tui.VersionMsg:
		message, err := tui.VersionCheck(msg.ServerVersion)
		if err != nil {
			m.err = err
			return m, tui.ErrorCmd(err)
		}
		return m, tui.TaskCmd(message, nil)

	case manifestMsg:
		m.manifest = msg.m
		m.fileTable.SetManifest(msg.m)
		message := fmt.Sprintf("Indexed %s (%s)", tui.Plural(len(msg.m.Entries), "file"), tui.ByteCountSI(msg.m.Size))
		return m, tui.TaskCmd(message, offerCmd(m.ctx, msg.m, m.path, m.config, m.msgs))

	case offerMsg:
		m.state = showCode
		m.code = msg.code
		m.errC = msg.errC
		m.keys.CopyCommand.SetEnabled(true)
		m.resetSpinner()
		return m, tea.Batch(m.spinner.Tick, listenOfferCmd(m.msgs), waitOfferCmd(msg.errC))

	case eventMsg:
		return m.handleEvent(msg.event)

	case timer.TickMsg:
		var cmd tea.Cmd
		m.copyMessageTimer, cmd = m.copyMessageTimer.Update(msg)
		if m.copyMessageTimer.Running() {
			m.keys.CopyCommand.SetHelp(m.keys.CopyCommand.Help().Key, tui.CopyKeyActiveHelpText)
		}
		return m, cmd

	case timer.TimeoutMsg:
		var cmd tea.Cmd
		m.copyMessageTimer, cmd = m.copyMessageTimer.Update(msg)
		m.keys.CopyCommand.SetHelp(m.keys.CopyCommand.Help().Key, tui.CopyKeyHelpText)
		return m, cmd

	case transferDoneMsg:
		m.state = showFinished
		message := fmt.Sprintf("Transfer completed in %s with average transfer speed %s/s",
			time.Since(m.transferProgress.TransferStartTime).Round(time.Millisecond).String(),
			tui.ByteCountSI(m.transferProgress.TransferSpeedEstimateBps),
		)
		m.fileTable = m.fileTable.Finalize().(filetable.Model)
		return m, tui.TaskCmd(message, tui.QuitCmd())

	case tui.ErrorMsg:
		m.err = msg
		return m, tui.ErrorCmd(errors.Wrap(msg, "sending failed"))

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.CopyCommand):
			if err := clipboard.WriteAll(m.receiveCommand()); err != nil {
				return m, tui.WarningCmd("Failed to copy command to clipboard", nil)
			}
			m.copyMessageTimer.Timeout = tui.TEMP_UI_MESSAGE_DURATION
			return m, m.copyMessageTimer.Init()
		}

		fileTableModel, fileTableCmd := m.fileTable.Update(msg)
		m.fileTable = fileTableModel.(filetable.Model)
		return m, fileTableCmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		transferProgressModel, transferProgressCmd := m.transferProgress.Update(msg)
		m.transferProgress = transferProgressModel.(transferprogress.Model)
		fileTableModel, fileTableCmd := m.fileTable.Update(msg)
		m.fileTable = fileTableModel.(filetable.Model)
		return m, tea.Batch(transferProgressCmd, fileTableCmd)

	default:
		var spinnerCmd, progressCmd tea.Cmd
		m.spinner, spinnerCmd = m.spinner.Update(msg)
		transferProgressModel, progressCmd := m.transferProgress.Update(msg)
		m.transferProgress = transferProgressModel.(transferprogress.Model)
		return m, tea.Batch(spinnerCmd, progressCmd)
	}
}

// handleEvent reacts to an event of the running offer and keeps listening.
func (m model) handleEvent(event interface{}) (tea.Model, tea.Cmd) {
	listen := listenOfferCmd(m.msgs)
	switch e := event.(type) {
	case sender.Advertised:
		m.expires = e.Expires
		return m, tui.TaskCmd(fmt.Sprintf("Code advertised, receivers connect to %s", e.Address), listen)

	case sender.Connected:
		m.keys.CopyCommand.SetEnabled(false)
		return m, tui.TaskCmd("Receiver connected, verifying code", listen)

	case sender.Rearmed:
		m.rearms = e.Attempt
		m.expires = e.Expires
		m.state = showCode
		m.keys.CopyCommand.SetEnabled(true)
		m.resetSpinner()
		message := fmt.Sprintf("Connection lost, code re-armed for the receiver to resume (%d/%d)", e.Attempt, m.config.MaxResumes)
		return m, tea.Batch(m.spinner.Tick, tui.WarningCmd(message, listen))

	case transfer.Started:
		m.state = showSendingProgress
		m.transferProgress.StartTransfer(e.Manifest.Size, e.Resumed)
		m.resetSpinner()
		message := "Established encrypted connection to receiver"
		if e.Resumed > 0 {
			message = fmt.Sprintf("%s, resuming after %s", message, tui.ByteCountSI(e.Resumed))
		}
		return m, tea.Batch(m.spinner.Tick, tui.TaskCmd(message, listen))

	case transfer.Progress:
		transferProgressModel, cmd := m.transferProgress.Update(tui.ProgressMsg(e.Bytes))
		m.transferProgress = transferProgressModel.(transferprogress.Model)
		return m, tea.Batch(listen, cmd)

	default:
		return m, listen
	}
}

// -------------------------------------------------------- View -------------------------------------------------------

func (m model) View() string {
	switch m.state {
	case showIndexing:
		return tui.PadText + tui.LogSeparator(m.width) +
			tui.PadText + tui.InfoStyle(fmt.Sprintf("%s Indexing %s", m.spinner.View(), m.path)) + "\n\n" +
			tui.PadText + m.help.View(m.keys) + "\n\n"

	case showCode:
		status := fmt.Sprintf("%s Awaiting receiver, ready to send %s (%s)",
			m.spinner.View(), tui.Plural(m.fileTable.Len(), "file"), tui.BoldText(tui.ByteCountSI(m.manifest.Size)))
		if !m.expires.IsZero() {
			status += tui.HelpStyle(fmt.Sprintf(", code expires at %s", m.expires.Format(time.Kitchen)))
		}
		return tui.PadText + tui.LogSeparator(m.width) +
			tui.PadText + tui.InfoStyle(status) + "\n\n" +
			tui.PadText + tui.InfoStyle("On the receiving end, run:") + "\n" +
			tui.PadText + tui.InfoStyle(m.receiveCommand()) + "\n\n" +
			m.fileTable.View() +
			tui.PadText + m.help.View(m.keys) + "\n\n"

	case showSendingProgress:
		status := fmt.Sprintf("%s Sending %s (%s)",
			m.spinner.View(), tui.Plural(m.fileTable.Len(), "file"), tui.BoldText(tui.ByteCountSI(m.manifest.Size)))
		return tui.PadText + tui.LogSeparator(m.width) +
			tui.PadText + tui.InfoStyle(status) + "\n\n" +
			tui.PadText + m.transferProgress.View() + "\n\n" +
			m.fileTable.View() +
			tui.PadText + m.help.View(m.keys) + "\n\n"

	case showFinished:
		finishedText := fmt.Sprintf("Sent %s (%s)", tui.Plural(m.fileTable.Len(), "file"), tui.ByteCountSI(m.manifest.Size))
		return tui.PadText + tui.LogSeparator(m.width) +
			tui.PadText + tui.InfoStyle(finishedText) + "\n\n" +
			tui.PadText + m.transferProgress.View() + "\n\n" +
			m.fileTable.View()

	default:
		return ""
	}
}

// ------------------------------------------------------ Commands -----------------------------------------------------

// buildManifestCmd indexes and checksums the item at path.
func buildManifestCmd(path string) tea.Cmd {
	return func() tea.Msg {
		m, err := manifest.Build(path)
		if err != nil {
			return tui.ErrorMsg(err)
		}
		return manifestMsg{m: m}
	}
}

// offerCmd advertises the item and returns once receivers can resolve the code.
func offerCmd(ctx context.Context, m *manifest.Manifest, path string, config portal.Config, msgs chan interface{}) tea.Cmd {
	return func() tea.Msg {
		code, errC, err := portal.SendManifest(ctx, m, path, &config, msgs)
		if err != nil {
			return tui.ErrorMsg(err)
		}
		return offerMsg{code: code, errC: errC}
	}
}

// waitOfferCmd waits for the outcome of the offer.
func waitOfferCmd(errC chan error) tea.Cmd {
	return func() tea.Msg {
		if err := <-errC; err != nil {
			return tui.ErrorMsg(err)
		}
		return transferDoneMsg{}
	}
}

// listenOfferCmd is a command that listens to the provided
// channel and wraps the events of the offer.
func listenOfferCmd(msgs chan interface{}) tea.Cmd {
	return func() tea.Msg {
		return eventMsg{event: <-msgs}
	}
}

// -------------------------------------------------- Helper Functions -------------------------------------------------

func (m *model) resetSpinner() {
	m.spinner = spinner.New()
	m.spinner.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(tui.ELEMENT_COLOR))
	switch m.state {
	case showIndexing:
		m.spinner.Spinner = tui.IndexingSpinner
	case showSendingProgress:
		m.spinner.Spinner = tui.TransferSpinner
	default:
		m.spinner.Spinner = tui.WaitingSpinner
	}
}

func (m *model) receiveCommand() string {
	var builder strings.Builder
	builder.WriteString("sship receive ")
	builder.WriteString(m.code)
	if m.receiveFlags != "" {
		builder.WriteRune(' ')
		builder.WriteString(m.receiveFlags)
	}
	return builder.String()
}
