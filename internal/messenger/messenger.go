// Package messenger delivers prompts to agent windows over tmux and
// verifies they were actually submitted. tmux send-keys reports success
// even when a pane is in copy mode or the agent's input wrapper is stuck,
// so every send is followed by a capture-pane check.
package messenger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/xcawolfe-amzn/foreman/internal/tmux"
)

// Common errors
var (
	ErrSelfSend           = errors.New("refusing to send to own session")
	ErrDeadTarget         = errors.New("target window has no running agent")
	ErrVerificationFailed = errors.New("message not verified as submitted")
)

// Delivery policy.
const (
	maxAttempts  = 3
	sendBudget   = 30 * time.Second
	debounce     = 500 * time.Millisecond
	verifyDelay  = 1 * time.Second
	verifyLines  = 25
	stuckWrapper = "TMUX_MCP_"
)

// paneClient is the slice of the tmux client the messenger needs.
type paneClient interface {
	HasSession(name string) (bool, error)
	IsAgentRunning(target string) bool
	InCopyMode(target string) (bool, error)
	ExitCopyMode(target string) error
	SendLiteral(target, text string) error
	SendEnter(target string) error
	SendKey(target, key string) error
	CapturePane(target string, lines int) (string, error)
}

// Messenger sends verified messages to agent windows. Per-target sends
// are serialized by the caller; the messenger makes no cross-target
// ordering promises.
type Messenger struct {
	tm             paneClient
	ownSession     string // set when running inside an agent session
	journalPath    string
	allowInterrupt bool // permit Ctrl-C during stuck-pane escalation
	budget         time.Duration
	logger         *log.Logger
	now            func() time.Time
	sleep          func(time.Duration)
}

// Option configures a Messenger.
type Option func(*Messenger)

// WithOwnSession enables the self-send guard.
func WithOwnSession(name string) Option {
	return func(m *Messenger) { m.ownSession = name }
}

// WithJournal appends one JSONL record per delivery to path.
func WithJournal(path string) Option {
	return func(m *Messenger) { m.journalPath = path }
}

// WithInterrupt permits Ctrl-C when escalating a stuck pane. Off by
// default: an interrupt aborts whatever the agent was doing.
func WithInterrupt(allow bool) Option {
	return func(m *Messenger) { m.allowInterrupt = allow }
}

// WithLogger routes diagnostics to the given logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Messenger) { m.logger = l }
}

// WithBudget bounds one Send call, retries included. Zero or negative
// keeps the default.
func WithBudget(d time.Duration) Option {
	return func(m *Messenger) {
		if d > 0 {
			m.budget = d
		}
	}
}

func withClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(m *Messenger) {
		m.now = now
		m.sleep = sleep
	}
}

// New creates a Messenger on top of a tmux client.
func New(tm paneClient, opts ...Option) *Messenger {
	m := &Messenger{
		tm:     tm,
		budget: sendBudget,
		now:    time.Now,
		sleep:  time.Sleep,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// journalEntry is one line in the message journal.
type journalEntry struct {
	Time        string `json:"time"`
	Sender      string `json:"sender,omitempty"`
	Target      string `json:"target"`
	PayloadHash string `json:"payload_hash"`
	Attempts    int    `json:"attempts"`
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
}

// Send delivers a message to session:window and verifies submission.
// The full contract:
//
//  1. Self-sends are rejected; an agent messaging its own window would
//     type into its own prompt.
//  2. A window without a running agent is a dead target, not a retry.
//  3. Copy mode is exited first; panes in copy mode swallow keys.
//  4. Text goes in literal mode, Enter goes separately after a debounce.
//  5. Submission is verified by capture: the payload must appear in the
//     pane, must no longer be sitting on the input line, and the pane
//     must show an input prompt again.
//  6. A slash command in the payload is sent as its own transmission
//     after the prose, so exactly one Enter ends the command line.
//  7. A stuck input wrapper is nudged with a bare Enter, then escalated.
//
// Up to 3 attempts with multiplicative backoff inside the send budget
// (30 seconds unless configured). Ctrl-C is never sent unless explicitly
// enabled.
func (m *Messenger) Send(session string, window int, message string) error {
	target := tmux.Target(session, window)
	start := m.now()

	attempts, err := m.send(target, session, message, start)
	m.journal(target, message, attempts, err)
	return err
}

func (m *Messenger) send(target, session, message string, start time.Time) (int, error) {
	if m.ownSession != "" && m.ownSession == session {
		m.logf("warning: dropping self-send to %s", target)
		return 0, fmt.Errorf("%w: %s", ErrSelfSend, session)
	}

	exists, err := m.tm.HasSession(session)
	if err != nil {
		return 0, fmt.Errorf("checking session %s: %w", session, err)
	}
	if !exists || !m.tm.IsAgentRunning(target) {
		return 0, fmt.Errorf("%w: %s", ErrDeadTarget, target)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if m.now().Sub(start) > m.budget {
			return attempt - 1, fmt.Errorf("send budget exhausted after %d attempts: %w", attempt-1, lastErr)
		}
		if attempt > 1 {
			// Reset the input line before retrying; the previous attempt
			// may have left a partial paste behind.
			_ = m.tm.SendKey(target, "Escape")
			_ = m.tm.SendKey(target, "C-u")
			m.sleep(time.Duration(1<<(attempt-1)) * time.Second)
		}

		if err := m.attempt(target, message); err != nil {
			lastErr = err
			m.logf("send attempt %d to %s failed: %v", attempt, target, err)
			continue
		}
		return attempt, nil
	}
	return maxAttempts, fmt.Errorf("giving up on %s after %d attempts: %w", target, maxAttempts, lastErr)
}

func (m *Messenger) attempt(target, message string) error {
	if in, err := m.tm.InCopyMode(target); err == nil && in {
		if err := m.tm.ExitCopyMode(target); err != nil {
			return fmt.Errorf("exiting copy mode: %w", err)
		}
		m.sleep(100 * time.Millisecond)
	}

	// Slash commands are swallowed by the agent's autocomplete menu when
	// mixed with prose. Prose goes first, each slash command is its own
	// transmission, so one Enter ends exactly one command line.
	prose, slashes := splitSlashCommands(message)
	if prose != "" {
		if err := m.deliver(target, prose); err != nil {
			return err
		}
	}
	for _, cmd := range slashes {
		if prose != "" || len(slashes) > 1 {
			m.sleep(debounce)
		}
		if err := m.deliver(target, cmd); err != nil {
			return err
		}
	}
	return nil
}

// deliver types one chunk, submits it, and verifies it landed.
func (m *Messenger) deliver(target, text string) error {
	if err := m.tm.SendLiteral(target, text); err != nil {
		return fmt.Errorf("typing message: %w", err)
	}
	m.sleep(debounce)
	if err := m.tm.SendEnter(target); err != nil {
		return fmt.Errorf("submitting message: %w", err)
	}

	probe := verifyProbe(text)
	var content string
	for i := 0; i < 3; i++ {
		m.sleep(verifyDelay)
		var err error
		content, err = m.tm.CapturePane(target, verifyLines)
		if err != nil {
			continue
		}
		onInput := inputLineHolds(content, probe)
		if strings.Contains(content, probe) && !onInput && hasPromptIndicator(content) {
			return nil
		}
		if onInput {
			// Typed but never committed: nudge with a bare Enter, then
			// escalate if the wrapper is wedged.
			m.repairStuck(target, content)
		}
	}
	return fmt.Errorf("%w: %q in %s", ErrVerificationFailed, probe, target)
}

// repairStuck handles a pane that holds typed text it will not submit.
func (m *Messenger) repairStuck(target, content string) {
	_ = m.tm.SendEnter(target)
	if !strings.Contains(content, stuckWrapper) {
		return
	}
	m.logf("stuck input wrapper in %s", target)
	if m.allowInterrupt {
		_ = m.tm.SendKey(target, "C-c")
		m.sleep(200 * time.Millisecond)
		_ = m.tm.SendEnter(target)
	} else {
		_ = m.tm.SendKey(target, "C-u")
	}
}

// promptIndicators mark an agent pane ready for new input. Verification
// demands one alongside the committed payload; a pane with no prompt is
// still rendering or wedged, not done.
var promptIndicators = []string{"> ", "? for shortcuts", "╭─"}

func hasPromptIndicator(content string) bool {
	for _, p := range promptIndicators {
		if strings.Contains(content, p) {
			return true
		}
	}
	return false
}

// slashCmdRe matches a line that is an agent slash command like
// "/compact" or "/clear keep context". Filesystem paths do not match:
// the command token itself contains no second slash.
var slashCmdRe = regexp.MustCompile(`^/[a-zA-Z][\w-]*(\s.*)?$`)

// splitSlashCommands partitions a payload into prose and slash-command
// lines, preserving order within each group.
func splitSlashCommands(message string) (prose string, slashes []string) {
	if !strings.Contains(message, "/") {
		return message, nil
	}
	var proseLines []string
	for _, line := range strings.Split(message, "\n") {
		if trimmed := strings.TrimSpace(line); slashCmdRe.MatchString(trimmed) {
			slashes = append(slashes, trimmed)
		} else {
			proseLines = append(proseLines, line)
		}
	}
	prose = strings.Trim(strings.Join(proseLines, "\n"), "\n")
	return prose, slashes
}

// verifyProbe picks a stable fragment of the message to look for in the
// capture. Long lines get wrapped by the terminal, so only a prefix is
// checked.
func verifyProbe(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	const max = 40
	if len(text) > max {
		return text[:max]
	}
	return text
}

// inputLineHolds reports whether the probe text still sits on the input
// line at the bottom of the pane, meaning the message was typed but never
// submitted. Only the last non-empty line is the input line; anything
// above it is committed scrollback.
func inputLineHolds(content, probe string) bool {
	if probe == "" {
		return false
	}
	lines := strings.Split(content, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		return strings.Contains(lines[i], probe)
	}
	return false
}

func (m *Messenger) journal(target, payload string, attempts int, sendErr error) {
	if m.journalPath == "" {
		return
	}
	sum := sha256.Sum256([]byte(payload))
	entry := journalEntry{
		Time:        m.now().UTC().Format(time.RFC3339),
		Sender:      m.ownSession,
		Target:      target,
		PayloadHash: hex.EncodeToString(sum[:8]),
		Attempts:    attempts,
		OK:          sendErr == nil,
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.journalPath), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(m.journalPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		m.logf("message journal: %v", err)
		return
	}
	defer f.Close()
	_, _ = f.Write(append(data, '\n'))
}

func (m *Messenger) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
