package receiver

import (
	"context"
	"fmt"
	"time"

	"github.com/SpatiumPortae/sship/cmd/sship/tui"
	"github.com/SpatiumPortae/sship/cmd/sship/tui/filetable"
	"github.com/SpatiumPortae/sship/cmd/sship/tui/transferprogress"
	"github.com/SpatiumPortae/sship/internal/portal"
	"github.com/SpatiumPortae/sship/internal/receiver"
	"github.com/SpatiumPortae/sship/internal/transfer"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/erikgeiser/promptkit"
	"github.com/erikgeiser/promptkit/confirmation"
	"github.com/pkg/errors"
)

// ------------------------------------------------------ tui State -----------------------------------------------------
type tuiState int

// Flows from the top down.
const (
	showEstablishing tuiState = iota
	showOverwritePrompt
	showReceivingProgress
	showFinished
)

// ------------------------------------------------------ Messages -----------------------------------------------------

type eventMsg struct {
	event interface{}
}

// overwriteRequest is sent by the receiving goroutine, which blocks until
// the user answered.
type overwriteRequest struct {
	path   string
	answer chan bool
}

type receiveDoneMsg struct {
	result *transfer.Result
}

// ------------------------------------------------------- Model -------------------------------------------------------

type Option func(m *model)

// WithVersionCheck compares the protocol version against the rendezvous server at addr.
func WithVersionCheck(addr string) Option {
	return func(m *model) {
		m.versionAddr = addr
	}
}

// WithOverwritePrompt asks before an existing item is replaced. Without it
// existing items are replaced silently.
func WithOverwritePrompt() Option {
	return func(m *model) {
		m.promptOverwrite = true
	}
}

type model struct {
	state tuiState
	ctx   context.Context
	err   error

	msgs chan interface{}

	code            string
	dest            string
	config          portal.Config
	versionAddr     string
	promptOverwrite bool

	result   *transfer.Result
	pending  *overwriteRequest
	received int

	width            int
	spinner          spinner.Model
	transferProgress transferprogress.Model
	fileTable        filetable.Model
	overwritePrompt  confirmation.Model
	help             help.Model
	keys             tui.KeyMap
}

// New creates a new receiver program receiving the item offered under code into dest.
func New(ctx context.Context, code, dest string, config portal.Config, opts ...Option) *tea.Program {
	m := model{
		ctx:              ctx,
		code:             code,
		dest:             dest,
		config:           config,
		transferProgress: transferprogress.New(),
		msgs:             make(chan interface{}, 10),
		fileTable:        filetable.New(),
		overwritePrompt:  *confirmation.NewModel(confirmation.New("", confirmation.Undecided)),
		help:             help.New(),
		keys:             tui.Keys,
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.config.Overwrite = m.overwrite
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
	return tea.Sequence(versionCmd, tea.Batch(
		m.spinner.Tick,
		listenReceiveCmd(m.msgs),
		receiveCmd(m.ctx, m.code, m.dest, m.config, m.msgs),
	))
}

// overwrite is called by the receiving goroutine, not by the program loop.
func (m model) overwrite(path string) bool {
	if !m.promptOverwrite {
		return true
	}
	req := overwriteRequest{path: path, answer: make(chan bool, 1)}
	select {
	case m.msgs <- req:
	case <-m.ctx.Done():
		return false
	}
	select {
	case ok := <-req.answer:
		return ok
	case <-m.ctx.Done():
		return false
	}
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

	case eventMsg:
		return m.handleEvent(msg.event)

	case receiveDoneMsg:
		m.state = showFinished
		m.result = msg.result
		m.fileTable = m.fileTable.Finalize().(filetable.Model)
		message := fmt.Sprintf("Transfer completed in %s with average transfer speed %s/s",
			time.Since(m.transferProgress.TransferStartTime).Round(time.Millisecond).String(),
			tui.ByteCountSI(m.transferProgress.TransferSpeedEstimateBps),
		)
		return m, tui.TaskCmd(message, tui.QuitCmd())

	case tui.ErrorMsg:
		m.err = msg
		return m, tui.ErrorCmd(errors.Wrap(msg, "receiving failed"))

	case tea.KeyMsg:
		var cmds []tea.Cmd
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		}

		fileTableModel, fileTableCmd := m.fileTable.Update(msg)
		m.fileTable = fileTableModel.(filetable.Model)
		cmds = append(cmds, fileTableCmd)

		_, promptCmd := m.overwritePrompt.Update(msg)
		if m.state == showOverwritePrompt {
			switch msg.String() {
			case "left", "right":
				cmds = append(cmds, promptCmd)
			}
			switch {
			case key.Matches(msg, m.keys.OverwritePromptYes, m.keys.OverwritePromptNo, m.keys.OverwritePromptConfirm):
				m.state = showEstablishing
				m.keys.OverwritePromptYes.SetEnabled(false)
				m.keys.OverwritePromptNo.SetEnabled(false)
				m.keys.OverwritePromptConfirm.SetEnabled(false)
				shouldOverwrite, _ := m.overwritePrompt.Value()
				if m.pending != nil {
					m.pending.answer <- shouldOverwrite
					m.pending = nil
				}
				m.resetSpinner()
				cmds = append(cmds, m.spinner.Tick)
			}
		}
		return m, tea.Batch(cmds...)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		transferProgressModel, transferProgressCmd := m.transferProgress.Update(msg)
		m.transferProgress = transferProgressModel.(transferprogress.Model)

		fileTableModel, fileTableCmd := m.fileTable.Update(msg)
		m.fileTable = fileTableModel.(filetable.Model)

		m.overwritePrompt.MaxWidth = msg.Width - 2*tui.MARGIN - 4
		_, promptCmd := m.overwritePrompt.Update(msg)

		return m, tea.Batch(transferProgressCmd, fileTableCmd, promptCmd)

	default:
		var spinnerCmd tea.Cmd
		m.spinner, spinnerCmd = m.spinner.Update(msg)
		transferProgressModel, progressCmd := m.transferProgress.Update(msg)
		m.transferProgress = transferProgressModel.(transferprogress.Model)
		_, promptCmd := m.overwritePrompt.Update(msg)
		return m, tea.Batch(spinnerCmd, progressCmd, promptCmd)
	}
}

// handleEvent reacts to an event of the running session and keeps listening.
func (m model) handleEvent(event interface{}) (tea.Model, tea.Cmd) {
	listen := listenReceiveCmd(m.msgs)
	switch e := event.(type) {
	case receiver.Resolved:
		return m, tui.TaskCmd(fmt.Sprintf("Found sender at %s", e.Address), listen)

	case receiver.Paired:
		return m, tui.TaskCmd("Established encrypted connection to sender", listen)

	case overwriteRequest:
		m.state = showOverwritePrompt
		m.pending = &e
		m.resetSpinner()
		m.keys.OverwritePromptYes.SetEnabled(true)
		m.keys.OverwritePromptNo.SetEnabled(true)
		m.keys.OverwritePromptConfirm.SetEnabled(true)
		return m, tea.Batch(m.spinner.Tick, m.newOverwritePrompt(e.path), listen)

	case transfer.Started:
		m.state = showReceivingProgress
		m.fileTable.SetManifest(e.Manifest)
		m.transferProgress.StartTransfer(e.Manifest.Size, e.Resumed)
		m.resetSpinner()
		message := fmt.Sprintf("Receiving %s (%s)", tui.Plural(len(e.Manifest.Entries), "file"), tui.ByteCountSI(e.Manifest.Size))
		if e.Resumed > 0 {
			message = fmt.Sprintf("%s, resuming after %s", message, tui.ByteCountSI(e.Resumed))
		}
		return m, tea.Batch(m.spinner.Tick, tui.TaskCmd(message, listen))

	case transfer.Progress:
		transferProgressModel, cmd := m.transferProgress.Update(tui.ProgressMsg(e.Bytes))
		m.transferProgress = transferProgressModel.(transferprogress.Model)
		return m, tea.Batch(listen, cmd)

	case transfer.FileDone:
		m.received++
		m.fileTable.MarkDone(e.File)
		return m, listen

	default:
		return m, listen
	}
}

// -------------------------------------------------------- View -------------------------------------------------------

func (m model) View() string {

	switch m.state {

	case showEstablishing:
		return tui.PadText + tui.LogSeparator(m.width) +
			tui.PadText + tui.InfoStyle(fmt.Sprintf("%s Establishing connection with sender", m.spinner.View())) + "\n\n" +
			tui.PadText + m.help.View(m.keys) + "\n\n"

	case showOverwritePrompt:
		waitingText := fmt.Sprintf("%s Waiting for overwrite confirmation", m.spinner.View())
		return tui.PadText + tui.LogSeparator(m.width) +
			tui.PadText + tui.InfoStyle(waitingText) + "\n\n" +
			tui.PadText + m.overwritePrompt.View() + "\n\n" +
			tui.PadText + m.help.View(m.keys) + "\n\n"

	case showReceivingProgress:
		receivingText := fmt.Sprintf("%s Receiving %s (%s)", m.spinner.View(),
			tui.Plural(m.fileTable.Len(), "file"), tui.BoldText(tui.ByteCountSI(m.transferProgress.PayloadSize)))
		return tui.PadText + tui.LogSeparator(m.width) +
			tui.PadText + tui.InfoStyle(receivingText) + "\n\n" +
			tui.PadText + m.transferProgress.View() + "\n\n" +
			m.fileTable.View() +
			tui.PadText + m.help.View(m.keys) + "\n\n"

	case showFinished:
		finishedText := fmt.Sprintf("Received %s (%s) into %s",
			tui.Plural(m.fileTable.Len(), "file"), tui.ByteCountSI(m.result.Manifest.Size), m.result.Path)
		return tui.PadText + tui.LogSeparator(m.width) +
			tui.PadText + tui.InfoStyle(finishedText) + "\n\n" +
			tui.PadText + m.transferProgress.View() + "\n\n" +
			m.fileTable.View()

	default:
		return ""
	}
}

// ------------------------------------------------------ Commands -----------------------------------------------------

func receiveCmd(ctx context.Context, code, dest string, config portal.Config, msgs chan interface{}) tea.Cmd {
	return func() tea.Msg {
		res, err := portal.Receive(ctx, code, dest, &config, msgs)
		if err != nil {
			return tui.ErrorMsg(err)
		}
		return receiveDoneMsg{result: res}
	}
}

func listenReceiveCmd(msgs chan interface{}) tea.Cmd {
	return func() tea.Msg {
		return eventMsg{event: <-msgs}
	}
}

// ------------------------------------------------------ Helpers ------------------------------------------------------

func (m *model) newOverwritePrompt(path string) tea.Cmd {
	prompt := confirmation.New(fmt.Sprintf("Overwrite '%s'?", path), confirmation.Yes)
	m.overwritePrompt = *confirmation.NewModel(prompt)
	m.overwritePrompt.MaxWidth = m.width
	m.overwritePrompt.WrapMode = promptkit.HardWrap
	m.overwritePrompt.Template = confirmation.TemplateYN
	m.overwritePrompt.ResultTemplate = confirmation.ResultTemplateYN
	m.overwritePrompt.KeyMap.Abort = []string{}
	m.overwritePrompt.KeyMap.Toggle = []string{}
	return m.overwritePrompt.Init()
}

func (m *model) resetSpinner() {
	m.spinner = spinner.New()
	m.spinner.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(tui.ELEMENT_COLOR))
	switch m.state {
	case showReceivingProgress:
		m.spinner.Spinner = tui.ReceivingSpinner
	default:
		m.spinner.Spinner = tui.WaitingSpinner
	}
}
