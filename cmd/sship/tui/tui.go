package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/SpatiumPortae/sship/internal/semver"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ------------------------------------------------------ Constants ----------------------------------------------------

const (
	PADDING                  = 2
	MARGIN                   = 2
	MAX_WIDTH                = 80
	PRIMARY_COLOR            = "#B8BABA"
	SECONDARY_COLOR          = "#626262"
	ELEMENT_COLOR            = "#EE9F40"
	SECONDARY_ELEMENT_COLOR  = "#EE9F70"
	ERROR_COLOR              = "#CC0000"
	WARNING_COLOR            = "#FF7900"
	CHECK_COLOR              = "#34B233"
	SHUTDOWN_PERIOD          = 500 * time.Millisecond
	TEMP_UI_MESSAGE_DURATION = 2 * time.Second

	CopyKeyHelpText       = "copy command"
	CopyKeyActiveHelpText = "command copied to clipboard!"
)

var PadText = strings.Repeat(" ", PADDING)

// ------------------------------------------------------- Styles ------------------------------------------------------

var BaseStyle = lipgloss.NewStyle()
var InfoStyle = BaseStyle.Copy().Foreground(lipgloss.Color(PRIMARY_COLOR)).Render
var HelpStyle = BaseStyle.Copy().Foreground(lipgloss.Color(SECONDARY_COLOR)).Render
var ItalicText = BaseStyle.Copy().Italic(true).Render
var BoldText = BaseStyle.Copy().Bold(true).Render
var ErrorText = BaseStyle.Copy().Foreground(lipgloss.Color(ERROR_COLOR)).Render
var WarningText = BaseStyle.Copy().Foreground(lipgloss.Color(WARNING_COLOR)).Render
var SuccessText = BaseStyle.Copy().Foreground(lipgloss.Color(CHECK_COLOR)).Render
var CheckText = SuccessText

func NewProgressBar() progress.Model {
	return progress.New(progress.WithGradient(SECONDARY_ELEMENT_COLOR, ELEMENT_COLOR))
}

// ------------------------------------------------------ Spinners -----------------------------------------------------

var WaitingSpinner = spinner.Spinner{
	Frames: []string{"⠋ ", "⠙ ", "⠹ ", "⠸ ", "⠼ ", "⠴ ", "⠦ ", "⠧ ", "⠇ ", "⠏ "},
	FPS:    time.Second / 12,
}

var IndexingSpinner = spinner.Spinner{
	Frames: []string{"┉┉┉", "┅┅┅", "┄┄┄", "┉ ┉", "┅ ┅", "┄ ┄", " ┉ ", " ┉ ", " ┅ ", " ┅ ", " ┄ "},
	FPS:    time.Second / 3,
}

var TransferSpinner = spinner.Spinner{
	Frames: []string{"»  ", "»» ", "»»»", "   "},
	FPS:    time.Millisecond * 400,
}

var ReceivingSpinner = spinner.Spinner{
	Frames: []string{"   ", "  «", " ««", "«««"},
	FPS:    time.Second / 2,
}

// ------------------------------------------------------- Keys --------------------------------------------------------

type KeyMap struct {
	Quit                   key.Binding
	CopyCommand            key.Binding
	FileListUp             key.Binding
	FileListDown           key.Binding
	OverwritePromptYes     key.Binding
	OverwritePromptNo      key.Binding
	OverwritePromptConfirm key.Binding
}

func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{
		k.Quit,
		k.CopyCommand,
		k.FileListUp,
		k.FileListDown,
		k.OverwritePromptYes,
		k.OverwritePromptNo,
		k.OverwritePromptConfirm,
	}
}

func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

var Keys = KeyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "esc", "ctrl+c"),
		key.WithHelp("(q)", "quit"),
	),
	CopyCommand: key.NewBinding(
		key.WithKeys("c"),
		key.WithHelp("(c)", CopyKeyHelpText),
		key.WithDisabled(),
	),
	FileListUp: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("(↑/k)", "file summary up"),
		key.WithDisabled(),
	),
	FileListDown: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("(↓/j)", "file summary down"),
		key.WithDisabled(),
	),
	OverwritePromptYes: key.NewBinding(
		key.WithKeys("y", "Y"),
		key.WithHelp("(Y/y)", "confirm overwrite"),
		key.WithDisabled(),
	),
	OverwritePromptNo: key.NewBinding(
		key.WithKeys("n", "N"),
		key.WithHelp("(N/n)", "deny overwrite"),
		key.WithDisabled(),
	),
	OverwritePromptConfirm: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("(enter)", "confirm selection"),
		key.WithDisabled(),
	),
}

// ------------------------------------------------------ Messages -----------------------------------------------------

type ErrorMsg error

type VersionMsg struct {
	ServerVersion semver.Version
}

// ProgressMsg carries the number of bytes of the item transferred so far.
type ProgressMsg int64

// ------------------------------------------------------ Commands -----------------------------------------------------

// TaskCmd prints a completed task above the live view and continues with cmd.
func TaskCmd(task string, cmd tea.Cmd) tea.Cmd {
	if task == "" {
		return cmd
	}
	return tea.Sequence(tea.Println(PadText+CheckText("✓")+" "+task), cmd)
}

// WarningCmd prints a warning above the live view and continues with cmd.
func WarningCmd(warning string, cmd tea.Cmd) tea.Cmd {
	return tea.Sequence(tea.Println(PadText+WarningText("! "+warning)), cmd)
}

func ErrorCmd(err error) tea.Cmd {
	return tea.Sequence(
		tea.Println(fmt.Sprintf("%s%s %s", PadText, ErrorText("✗"), ErrorText(err.Error()))),
		tea.Quit,
	)
}

func QuitCmd() tea.Cmd {
	return tea.Sequence(tea.Tick(SHUTDOWN_PERIOD, func(time.Time) tea.Msg { return nil }), tea.Quit)
}

// VersionCmd asks the rendezvous server for its version.
func VersionCmd(ctx context.Context, addr string) tea.Cmd {
	return func() tea.Msg {
		ver, err := semver.GetRendezvousVersion(ctx, addr)
		if err != nil {
			return ErrorMsg(fmt.Errorf("fetching rendezvous server version: %w", err))
		}
		return VersionMsg{ServerVersion: ver}
	}
}

// VersionCheck compares the protocol spoken by this build against the version
// of the rendezvous server. A non nil error means they cannot work together.
func VersionCheck(server semver.Version) (string, error) {
	switch semver.Protocol.Compare(server) {
	case semver.CompareNewMajor,
		semver.CompareOldMajor:
		//lint:ignore ST1005 error string displayed in tui
		return "", fmt.Errorf("Protocol version (%s) incompatible with server version (%s)", semver.Protocol, server)
	case semver.CompareNewMinor,
		semver.CompareNewPatch:
		return WarningText(fmt.Sprintf("Protocol version (%s) newer than server version (%s)", semver.Protocol, server)), nil
	case semver.CompareOldMinor,
		semver.CompareOldPatch:
		return WarningText(fmt.Sprintf("Server version (%s) newer than protocol version (%s)", server, semver.Protocol)), nil
	default:
		return SuccessText(fmt.Sprintf("Protocol version (%s) compatible with server version (%s)", semver.Protocol, server)), nil
	}
}

// ------------------------------------------------------ Helpers ------------------------------------------------------

func LogSeparator(width int) string {
	paddedWidth := width - 2*PADDING
	if paddedWidth > MAX_WIDTH {
		paddedWidth = MAX_WIDTH
	}
	if paddedWidth < 0 {
		paddedWidth = 0
	}
	return fmt.Sprintf("%s\n\n", BaseStyle.Copy().Foreground(lipgloss.Color(SECONDARY_COLOR)).Render(strings.Repeat("─", paddedWidth)))
}

// ByteCountSI formats a byte count with SI prefixes.
func ByteCountSI(b int64) string {
	const unit = 1000
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "kMGTPE"[exp])
}

// Plural returns noun with an s when n is not one.
func Plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
