// Package agi speaks the Asterisk Gateway Interface on stdin/stdout and bridges
// a dialplan PIN prompt to the front door.
package agi

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	// ErrHangup is returned once Asterisk reports the channel has hung up.
	ErrHangup = errors.New("agi: channel hung up")
	// ErrCommand is wrapped around any non-200 reply.
	ErrCommand = errors.New("agi: command failed")
)

// Reply is a parsed command response such as "200 result=1 (timeout)".
type Reply struct {
	Code   int
	Result string
	Extra  string
}

// Session is one AGI invocation. It is not safe for concurrent use; Asterisk
// processes commands strictly in order.
type Session struct {
	r   *bufio.Reader
	w   io.Writer
	env map[string]string
}

// NewSession reads the agi_* environment block that precedes the first command.
func NewSession(r io.Reader, w io.Writer) (*Session, error) {
	s := &Session{r: bufio.NewReader(r), w: w, env: make(map[string]string)}
	for {
		line, err := s.readLine()
		if err != nil {
			return nil, fmt.Errorf("agi: read environment: %w", err)
		}
		if line == "" {
			return s, nil
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		s.env[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
}

// Env returns an agi_* variable, e.g. Env("agi_callerid").
func (s *Session) Env(key string) string { return s.env[key] }

// Command sends one raw command and parses the reply.
func (s *Session) Command(cmd string) (Reply, error) {
	if strings.ContainsAny(cmd, "\r\n") {
		return Reply{}, fmt.Errorf("%w: command contains a line break", ErrCommand)
	}
	if _, err := io.WriteString(s.w, cmd+"\n"); err != nil {
		return Reply{}, err
	}
	line, err := s.readLine()
	if err != nil {
		return Reply{}, err
	}
	if line == "HANGUP" {
		return Reply{}, ErrHangup
	}
	// 520- opens a multi-line usage block terminated by a "520 " line.
	if strings.HasPrefix(line, "520-") {
		for {
			next, err := s.readLine()
			if err != nil {
				return Reply{}, err
			}
			if strings.HasPrefix(next, "520 ") {
				break
			}
		}
		return Reply{Code: 520}, fmt.Errorf("%w: %q: invalid syntax", ErrCommand, cmd)
	}
	rep, err := parseReply(line)
	if err != nil {
		return Reply{}, err
	}
	if rep.Code != 200 {
		return rep, fmt.Errorf("%w: %q: %d %s", ErrCommand, cmd, rep.Code, rep.Extra)
	}
	if rep.Result == "-1" {
		return rep, ErrHangup
	}
	return rep, nil
}

// Verbose logs msg to the Asterisk console at level 1.
func (s *Session) Verbose(msg string) error {
	_, err := s.Command(fmt.Sprintf("VERBOSE %s 1", quote(msg)))
	return err
}

// SetVariable sets a channel variable.
func (s *Session) SetVariable(name, value string) error {
	_, err := s.Command(fmt.Sprintf("SET VARIABLE %s %s", name, quote(value)))
	return err
}

// Exec runs a dialplan application with comma separated args.
func (s *Session) Exec(app string, args ...string) error {
	cmd := "EXEC " + app
	if len(args) > 0 {
		cmd += " " + quote(strings.Join(args, ","))
	}
	_, err := s.Command(cmd)
	return err
}

func (s *Session) readLine() (string, error) {
	line, err := s.r.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseReply(line string) (Reply, error) {
	code, rest, _ := strings.Cut(line, " ")
	n, err := strconv.Atoi(code)
	if err != nil {
		return Reply{}, fmt.Errorf("agi: malformed reply %q", line)
	}
	rep := Reply{Code: n}
	if v, ok := strings.CutPrefix(rest, "result="); ok {
		rep.Result, rep.Extra, _ = strings.Cut(v, " ")
		rep.Extra = strings.Trim(rep.Extra, "()")
	} else {
		rep.Extra = rest
	}
	return rep, nil
}

func quote(s string) string {
	s = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", " ", "\r", " ").Replace(s)
	return `"` + s + `"`
}
