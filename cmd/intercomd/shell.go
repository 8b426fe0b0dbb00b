package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/arzzra/sip_intercom/pkg/phone"
)

// commander команды сессии, доступные с консоли
type commander interface {
	Answer() (phone.AnswerResult, error)
	Hangup() (phone.Result, error)
	Reject() (phone.Result, error)
	Unregister() (phone.Result, error)
	SendDtmf(req phone.DTMFRequest) (phone.Result, error)
	SetMicrophoneEnabled(enabled bool) (phone.MicrophoneResult, error)
	SetSpeakerEnabled(enabled bool) (phone.SpeakerResult, error)
	GetState() phone.State
	CallerStreamURI() (string, bool)
}

type shell struct {
	session commander
	in      io.Reader
	out     io.Writer
}

func newShell(session commander, in io.Reader, out io.Writer) *shell {
	return &shell{session: session, in: in, out: out}
}

// syncWriter общий вывод консоли и уведомлений: каждая запись целиком
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// run читает команды построчно до quit, EOF или отмены контекста
func (c *shell) run(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := c.exec(line); quit {
				return
			}
		}
	}
}

// exec выполняет одну команду. Возвращает true для quit.
func (c *shell) exec(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var (
		res any
		err error
	)
	switch cmd := strings.ToLower(fields[0]); cmd {
	case "quit", "exit":
		return true
	case "answer":
		res, err = c.session.Answer()
	case "hangup":
		res, err = c.session.Hangup()
	case "reject":
		res, err = c.session.Reject()
	case "unregister":
		res, err = c.session.Unregister()
	case "dtmf":
		res, err = c.session.SendDtmf(phone.DTMFRequest{DTMF: strings.Join(fields[1:], "")})
	case "mic", "speaker":
		if len(fields) != 2 {
			fmt.Fprintf(c.out, "использование: %s on|off\n", cmd)
			return false
		}
		enabled, ok := parseSwitch(fields[1])
		if !ok {
			fmt.Fprintf(c.out, "ожидается on или off: %s\n", fields[1])
			return false
		}
		if cmd == "mic" {
			res, err = c.session.SetMicrophoneEnabled(enabled)
		} else {
			res, err = c.session.SetSpeakerEnabled(enabled)
		}
	case "state":
		res = c.session.GetState()
	case "stream":
		uri, ok := c.session.CallerStreamURI()
		if !ok {
			fmt.Fprintln(c.out, "нет активного вызова")
			return false
		}
		fmt.Fprintln(c.out, uri)
		return false
	default:
		fmt.Fprintf(c.out, "неизвестная команда: %s\n", cmd)
		return false
	}

	if err != nil {
		fmt.Fprintf(c.out, "ошибка: %v\n", err)
		return false
	}
	data, _ := json.Marshal(res)
	fmt.Fprintln(c.out, string(data))
	return false
}

func parseSwitch(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "on", "1", "true":
		return true, true
	case "off", "0", "false":
		return false, true
	}
	return false, false
}
