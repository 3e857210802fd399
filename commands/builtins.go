// Package commands provides the standard commands served by listeners.
package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/RoanBrand/CommandLink/logging"
	"github.com/RoanBrand/CommandLink/protocol"
)

// Default variables used by play.
const (
	DefaultPlayStringVar  = "controlstring"
	DefaultPlayTriggerVar = "controltrigger_i"
	GotoPageVar           = "gotopage"
)

// Env is what the standard commands act on.
type Env struct {
	Namespace Namespace
	Keys      KeySender
	Player    PlayerControl
	TempDir   string // trigger files are written here; defaults to os.TempDir()
	Countdown *Countdown
	// Resend delivers a countdown command. The default sends it over link.Peer().
	Resend func(link *protocol.Link, cmdline string) error
	// Overrides are extra commands; they replace built-ins of the same name.
	Overrides protocol.Registry
	Log       *zap.SugaredLogger
}

type builtins struct {
	env *Env
}

// Builtins returns the standard command set bound to env.
func Builtins(env *Env) protocol.Registry {
	if env.Log == nil {
		env.Log = zap.NewNop().Sugar()
	}
	if env.Countdown == nil {
		env.Countdown = NewCountdown(env.Log)
	}
	if env.Keys == nil {
		env.Keys = LogKeySender{Log: env.Log}
	}
	if env.Resend == nil {
		env.Resend = resend
	}
	b := &builtins{env: env}
	r := protocol.Registry{}
	r.Register("ok", b.ok)
	r.Register("set", b.set)
	r.Register("increment", b.increment)
	r.Register("goto", b.gotoPage)
	r.Register("log", b.log)
	r.Register("countdown", b.countdown)
	r.Register("send_key", b.sendKey)
	r.Register("play", b.play)
	r.Register("exit", b.exit)
	r.Register("restartplay", b.restartPlay)
	if len(env.Overrides) == 0 {
		return r
	}
	return r.Merge(env.Overrides, env.Log)
}

func resend(link *protocol.Link, cmdline string) error {
	peer := link.Peer()
	defer peer.Close()
	_, err := peer.Send(cmdline)
	return err
}

// ok is a keep-alive ping.
func (b *builtins) ok(*protocol.Request) (string, error) {
	return "OK", nil
}

// set name=value [name=value ...]
func (b *builtins) set(req *protocol.Request) (string, error) {
	if len(req.Args) == 0 {
		return "", protocol.Errorf(protocol.KindInvalidArgument, "no arguments given.")
	}
	return "", b.assign(req.Args)
}

func (b *builtins) assign(pairs []string) error {
	ns := b.env.Namespace
	if ns == nil {
		return protocol.Errorf(protocol.KindNamespaceNotFound, "shared namespace not found.")
	}
	var notFound []string
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return protocol.Errorf(protocol.KindInvalidArgument, "expected name=value, got %q.", pair)
		}
		if err := ns.Set(name, value); err != nil {
			if errors.Is(err, ErrUnknownVariable) {
				notFound = append(notFound, name)
				continue
			}
			return err
		}
	}
	if len(notFound) > 0 {
		return protocol.Errorf(protocol.KindVariableNotFound, "variable(s) not found: %s", strings.Join(notFound, ", "))
	}
	return nil
}

// increment varname [step]
func (b *builtins) increment(req *protocol.Request) (string, error) {
	if len(req.Args) < 1 || len(req.Args) > 2 {
		return "", protocol.Errorf(protocol.KindInvalidArgument, "usage: increment varname [step]")
	}
	step := 1
	if len(req.Args) == 2 {
		s := strings.TrimPrefix(req.Args[1], "step=")
		n, err := strconv.Atoi(s)
		if err != nil {
			return "", protocol.Errorf(protocol.KindInvalidArgument, "step %q is not an integer.", req.Args[1])
		}
		step = n
	}
	return "", b.add(req.Args[0], step)
}

func (b *builtins) add(name string, step int) error {
	ns := b.env.Namespace
	if ns == nil {
		return protocol.Errorf(protocol.KindNamespaceNotFound, "shared namespace not found.")
	}
	v, ok := ns.Get(name)
	if !ok {
		return protocol.Errorf(protocol.KindVariableNotFound, "variable %s not found.", name)
	}
	var next interface{}
	switch n := v.(type) {
	case int:
		next = n + step
	case int64:
		next = n + int64(step)
	case float64:
		next = n + float64(step)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return protocol.Errorf(protocol.KindInvalidArgument, "variable %s is not an integer.", name)
		}
		next = strconv.Itoa(i + step)
	default:
		return protocol.Errorf(protocol.KindInvalidArgument, "variable %s is not an integer.", name)
	}
	return ns.Set(name, next)
}

// goto pagename
func (b *builtins) gotoPage(req *protocol.Request) (string, error) {
	if len(req.Args) != 1 {
		return "", protocol.Errorf(protocol.KindInvalidArgument, "usage: goto pagename")
	}
	return "", b.assign([]string{GotoPageVar + "=" + req.Args[0]})
}

// log level message
func (b *builtins) log(req *protocol.Request) (string, error) {
	if len(req.Args) < 2 {
		return "", protocol.Errorf(protocol.KindInvalidArgument, "usage: log level message")
	}
	lvl, ok := logging.ParseLevel(req.Args[0])
	if !ok || lvl > zapcore.ErrorLevel {
		return "", protocol.Errorf(protocol.KindInvalidArgument, "unknown log level %q.", req.Args[0])
	}
	msg := strings.Join(req.Args[1:], " ")
	if ce := b.env.Log.Desugar().Check(lvl, msg); ce != nil {
		ce.Write(zap.String("source", "remote"))
	}
	return "", nil
}

// countdown interval command [args...]
func (b *builtins) countdown(req *protocol.Request) (string, error) {
	if len(req.Args) < 2 {
		return "", protocol.Errorf(protocol.KindInvalidArgument, "usage: countdown interval command [args...]")
	}
	secs, err := strconv.ParseFloat(req.Args[0], 64)
	if err != nil || secs < 0 {
		return "", protocol.Errorf(protocol.KindInvalidArgument, "interval %q is not a number of seconds.", req.Args[0])
	}
	if req.Link == nil {
		return "", protocol.Errorf(protocol.KindFailure, "countdown needs a link to resend on.")
	}
	cmdline := req.Args[1]
	if len(req.Args) > 2 {
		cmdline += " " + shellquote.Join(req.Args[2:]...)
	}
	link, log, send := req.Link, b.env.Log, b.env.Resend
	b.env.Countdown.Schedule(time.Duration(secs*float64(time.Second)), func() {
		log.Infof("sending: %s", cmdline)
		if err := send(link, cmdline); err != nil {
			log.Errorw("countdown resend failed", "cmdline", cmdline, "error", err)
		}
	})
	return fmt.Sprintf("OK Waiting %s seconds to begin.", req.Args[0]), nil
}

// send_key keyname [keyname ...]
func (b *builtins) sendKey(req *protocol.Request) (string, error) {
	if len(req.Args) == 0 {
		return "", protocol.Errorf(protocol.KindInvalidArgument, "no arguments given.")
	}
	for _, name := range req.Args {
		vk, ok := LookupKey(name)
		if !ok {
			return "", protocol.Errorf(protocol.KindInvalidArgument, "key %q not found.", name)
		}
		if err := b.env.Keys.SendKey(strings.ToUpper(name), vk); err != nil {
			return "", err
		}
	}
	return "", nil
}

// play filename [strvar] [intvar] [triggerfile]
func (b *builtins) play(req *protocol.Request) (string, error) {
	if len(req.Args) < 1 || len(req.Args) > 4 {
		return "", protocol.Errorf(protocol.KindInvalidArgument, "usage: play filename [strvar] [intvar] [triggerfile]")
	}
	filename := req.Args[0]
	strVar, intVar := DefaultPlayStringVar, DefaultPlayTriggerVar
	if len(req.Args) > 1 {
		strVar = req.Args[1]
	}
	if len(req.Args) > 2 {
		intVar = req.Args[2]
	}
	if err := b.assign([]string{strVar + "=" + filename}); err != nil {
		return "", err
	}
	if len(req.Args) > 3 {
		path, err := b.triggerPath(req.Args[3])
		if err != nil {
			return "", err
		}
		b.env.Log.Debugf("writing to: %s", path)
		if err := os.WriteFile(path, []byte(filename+"\n"), 0o644); err != nil {
			return "", err
		}
	}
	return "", b.add(intVar, 1)
}

// triggerPath keeps trigger files inside the temp directory.
func (b *builtins) triggerPath(name string) (string, error) {
	base := filepath.Base(name)
	switch base {
	case ".", "..", string(filepath.Separator):
		return "", protocol.Errorf(protocol.KindInvalidArgument, "invalid trigger file %q.", name)
	}
	dir := b.env.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, base), nil
}

func (b *builtins) exit(req *protocol.Request) (string, error) {
	if req.Link != nil {
		req.Link.Stop()
	}
	return "", nil
}

func (b *builtins) restartPlay(*protocol.Request) (string, error) {
	if b.env.Player == nil {
		return "", protocol.Errorf(protocol.KindFailure, "player control not available.")
	}
	return "", b.env.Player.RestartPlayback()
}
