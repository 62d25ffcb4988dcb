package transferprogress

import (
	"fmt"
	"math"
	"time"

	"github.com/SpatiumPortae/sship/cmd/sship/tui"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
)

type Option func(*Model)

// Model shows how much of the item was transferred. Bytes resumed from an
// earlier session count as transferred, but not towards the speed estimate.
type Model struct {
	PayloadSize                int64
	ResumedBytes               int64
	bytesTransferred           int64
	progress                   float64
	TransferStartTime          time.Time
	TransferSpeedEstimateBps   int64
	EstimatedRemainingDuration time.Duration

	Width       int
	progressBar progress.Model
}

func New(opts ...Option) Model {
	m := Model{
		progressBar: tui.NewProgressBar(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// StartTransfer starts the clock at the resumed offset of the item.
func (m *Model) StartTransfer(size, resumed int64) {
	m.PayloadSize = size
	m.ResumedBytes = resumed
	m.bytesTransferred = resumed
	m.TransferStartTime = time.Now()
	if size > 0 {
		m.progress = float64(resumed) / float64(size)
	}
}

// Done reports whether every byte of the item was transferred.
func (m Model) Done() bool {
	return m.bytesTransferred >= m.PayloadSize
}

func (Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.Width = msg.Width - 2*tui.PADDING - 4
		if m.Width > tui.MAX_WIDTH {
			m.Width = tui.MAX_WIDTH
		}
		m.progressBar.Width = m.Width
		return m, nil

	case tui.ProgressMsg:
		if m.TransferStartTime.IsZero() {
			m.TransferStartTime = time.Now()
		}
		m.bytesTransferred = int64(msg)
		secondsSpent := time.Since(m.TransferStartTime).Seconds()
		sessionBytes := m.bytesTransferred - m.ResumedBytes
		if sessionBytes > 0 && secondsSpent > 0 {
			bytesRemaining := m.PayloadSize - m.bytesTransferred
			remaining := float64(bytesRemaining) * secondsSpent / float64(sessionBytes)
			m.EstimatedRemainingDuration = time.Duration(remaining * float64(time.Second)).Round(time.Second)
			m.TransferSpeedEstimateBps = int64(float64(sessionBytes) / secondsSpent)
		}
		if m.PayloadSize > 0 {
			m.progress = math.Min(1.0, float64(m.bytesTransferred)/float64(m.PayloadSize))
		} else {
			m.progress = 1.0
		}
		return m, nil

	case progress.FrameMsg:
		progressModel, cmd := m.progressBar.Update(msg)
		m.progressBar = progressModel.(progress.Model)
		return m, cmd

	default:
		return m, nil
	}
}

func (m Model) View() string {
	bar := m.progressBar.ViewAs(m.progress)
	if m.TransferSpeedEstimateBps == 0 || m.Done() {
		return bar
	}
	return fmt.Sprintf("%s\n%s%s",
		bar, tui.PadText,
		tui.HelpStyle(fmt.Sprintf("%s/s, %s remaining", tui.ByteCountSI(m.TransferSpeedEstimateBps), m.EstimatedRemainingDuration)))
}
