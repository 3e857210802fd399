package protocol

import (
	"bytes"
	"context"
	"errors"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"
)

// Scripted connection. Each Read returns the next chunk; once the script is
// exhausted reads time out like a socket with a deadline.
type scriptConn struct {
	reads   []string
	written bytes.Buffer
	closed  bool
}

func (c *scriptConn) Read(p []byte) (int, error) {
	if len(c.reads) == 0 {
		time.Sleep(5 * time.Millisecond)
		return 0, os.ErrDeadlineExceeded
	}
	n := copy(p, c.reads[0])
	c.reads = c.reads[1:]
	return n, nil
}

func (c *scriptConn) Write(p []byte) (int, error) {
	return c.written.Write(p)
}

func (c *scriptConn) Close() error {
	c.closed = true
	return nil
}

func (c *scriptConn) SetReadDeadline(time.Time) error { return nil }

type fakeTransport struct {
	conn     Conn
	conns    []Conn // handed out by Dial before conn
	dialErr  error
	dials    int
	binds    int
	responds bool
	noise    bool
}

func (f *fakeTransport) Dial(time.Duration) (Conn, error) {
	f.dials++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	if len(f.conns) > 0 {
		c := f.conns[0]
		f.conns = f.conns[1:]
		return c, nil
	}
	return f.conn, nil
}

func (f *fakeTransport) Bind(ctx context.Context, _ time.Duration) (Conn, error) {
	f.binds++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.conn, nil
}

func (f *fakeTransport) Responds() bool  { return f.responds }
func (f *fakeTransport) Network() bool   { return false }
func (f *fakeTransport) Peer() Transport { return f }
func (f *fakeTransport) Name() string    { return "fake" }
func (f *fakeTransport) String() string  { return "fake://" }
func (f *fakeTransport) LineNoise() bool { return f.noise }

func testOptions() Options {
	opts := DefaultOptions()
	opts.Timeout = 50 * time.Millisecond
	opts.Tries = 3
	return opts
}

func exitRegistry() Registry {
	r := Registry{}
	r.Register("ok", func(*Request) (string, error) { return "", nil })
	r.Register("exit", func(req *Request) (string, error) {
		req.Link.Stop()
		return "", nil
	})
	return r
}

func TestFrame(t *testing.T) {
	cases := []struct {
		msg  string
		wrap bool
		want string
	}{
		{"ok", true, "SCMD ok\n"},
		{`hi\n`, true, "SCMD hi\n"},
		{`a\tb\r`, false, "a\tb\r"},
		{"set x=1", false, "set x=1"},
	}
	for _, c := range cases {
		if got := Frame(c.msg, DefaultHeader, c.wrap); got != c.want {
			t.Errorf("Frame(%q, %v) = %q, want %q", c.msg, c.wrap, got, c.want)
		}
	}
	if got := Unframe(Frame("goto page2", DefaultHeader, true), DefaultHeader); got != "goto page2" {
		t.Errorf("Unframe round trip = %q", got)
	}
}

func TestParseRequest(t *testing.T) {
	name, args, err := ParseRequest(`SCMD Set title="Hello World" n=3`+"\n", DefaultHeader, true, true)
	if err != nil {
		t.Fatal(err)
	}
	if name != "set" {
		t.Errorf("name = %q, want set", name)
	}
	if want := []string{"title=Hello World", "n=3"}; !reflect.DeepEqual(args, want) {
		t.Errorf("args = %q, want %q", args, want)
	}

	if _, _, err := ParseRequest("ok\n", DefaultHeader, true, true); err == nil {
		t.Error("expected unwrapped line to be rejected when wrap is set")
	}
	if _, _, err := ParseRequest(`SCMD say "open`, DefaultHeader, true, true); err == nil {
		t.Error("expected unterminated quote to fail")
	}
	var ce *CommandError
	if _, _, err := ParseRequest("   \n", DefaultHeader, false, true); !errors.As(err, &ce) || ce.Kind != KindMalformedLine {
		t.Errorf("empty line error = %v", err)
	}
}

func TestTokenizeLatin1(t *testing.T) {
	got, err := Tokenize("say é✓", true)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"say", "é✓"}; !reflect.DeepEqual(got, want) {
		t.Errorf("uniparse = %q, want %q", got, want)
	}
	got, err = Tokenize("say é✓", false)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"say", "éu2713"}; !reflect.DeepEqual(got, want) {
		t.Errorf("latin-1 = %q, want %q", got, want)
	}
}

func TestLineReaderPartial(t *testing.T) {
	c := &scriptConn{reads: []string{"SCMD o", "k\nSCMD ex", "it\n"}}
	r := newLineReader(c, false)
	for _, want := range []string{"SCMD ok\n", "SCMD exit\n"} {
		line, err := r.ReadLine()
		if err != nil {
			t.Fatal(err)
		}
		if line != want {
			t.Errorf("line = %q, want %q", line, want)
		}
	}
	if _, err := r.ReadLine(); !isTimeout(err) {
		t.Errorf("expected timeout once drained, got %v", err)
	}
}

func TestLineReaderKeepsPartialAcrossTimeout(t *testing.T) {
	c := &scriptConn{reads: []string{"SCMD o"}}
	r := newLineReader(c, false)
	if _, err := r.ReadLine(); !isTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	c.reads = []string{"k\n"}
	line, err := r.ReadLine()
	if err != nil || line != "SCMD ok\n" {
		t.Errorf("line = %q, %v", line, err)
	}
}

func TestLineReaderNoise(t *testing.T) {
	c := &scriptConn{reads: []string{"\xffSCMD ok\n\xfeSCMD ok\n"}}
	noisy := 0
	r := newLineReader(c, true)
	r.onNoise = func() { noisy++ }
	for i := 0; i < 2; i++ {
		line, err := r.ReadLine()
		if err != nil || line != "SCMD ok\n" {
			t.Errorf("line = %q, %v", line, err)
		}
	}
	if noisy != 2 {
		t.Errorf("noise callbacks = %d, want 2", noisy)
	}
}

// oversized returns reads that together exceed MaxLineLength without a newline.
func oversized() []string {
	chunk := strings.Repeat("a", readSize)
	reads := make([]string, MaxLineLength/readSize+1)
	for i := range reads {
		reads[i] = chunk
	}
	return reads
}

func TestLineReaderTooLong(t *testing.T) {
	c := &scriptConn{reads: append(oversized(), "tail\nSCMD ok\n")}
	r := newLineReader(c, false)
	_, err := r.ReadLine()
	var ce *CommandError
	if !errors.As(err, &ce) || ce.Kind != KindMalformedLine {
		t.Fatalf("err = %v, want MalformedLine", err)
	}
	if len(r.buf) > MaxLineLength {
		t.Errorf("buffer kept %d bytes", len(r.buf))
	}
	line, err := r.ReadLine()
	if err != nil || line != "SCMD ok\n" {
		t.Errorf("line after overflow = %q, %v", line, err)
	}
}

func TestListenRejectsLongLine(t *testing.T) {
	c := &scriptConn{reads: append(oversized(), "x\nSCMD exit\n")}
	link := NewLink(&fakeTransport{conn: c, responds: true}, testOptions())
	if err := link.Listen(context.Background(), exitRegistry()); err != nil {
		t.Fatal(err)
	}
	want := "SCMD ERROR MalformedLine: line longer than 65536 bytes.\nSCMD OK\n"
	if got := c.written.String(); got != want {
		t.Errorf("responses = %q, want %q", got, want)
	}
}

func TestDescribe(t *testing.T) {
	if got := describe(errors.New("first\nsecond")); got != "Failure: first" {
		t.Errorf("describe = %q", got)
	}
	if got := describe(Errorf(KindVariableNotFound, "name 'x' is not defined")); got != "VariableNotFound: name 'x' is not defined" {
		t.Errorf("describe = %q", got)
	}
}

func TestDispatcher(t *testing.T) {
	r := exitRegistry()
	r.Register("Echo", func(req *Request) (string, error) {
		return strings.Join(req.Args, "|"), nil
	})
	r.Register("boom", func(*Request) (string, error) { panic("boom") })
	r.Register("fail", func(*Request) (string, error) {
		return "", Errorf(KindInvalidArgument, "bad\nmore detail")
	})
	d := &Dispatcher{Header: DefaultHeader, Wrap: true, UniParse: true, Registry: r}

	cases := []struct{ line, want string }{
		{"SCMD ok\n", "SCMD OK\n"},
		{`SCMD ECHO "a b" c` + "\n", "SCMD a b|c\n"},
		{"SCMD nope\n", "SCMD ERROR UnknownCommand: unrecognized command \"nope\" passed.\n"},
		{"SCMD boom\n", "SCMD ERROR HandlerPanic: boom\n"},
		{"SCMD fail\n", "SCMD ERROR InvalidArgument: bad\n"},
		{"ok\n", "SCMD ERROR MalformedLine: unrecognized data received.\n"},
	}
	for _, c := range cases {
		if got := d.Process(c.line); got != c.want {
			t.Errorf("Process(%q) = %q, want %q", c.line, got, c.want)
		}
	}

	d.Wrap = false
	if got := d.Process("ok\n"); got != "OK\n" {
		t.Errorf("unwrapped Process = %q", got)
	}
}

func TestRegistryMerge(t *testing.T) {
	base := exitRegistry()
	merged := base.Merge(Registry{"OK": func(*Request) (string, error) { return "pong", nil }}, nil)
	h, ok := merged.Lookup("ok")
	if !ok {
		t.Fatal("ok missing after merge")
	}
	if got, _ := h(&Request{}); got != "pong" {
		t.Errorf("override lost, got %q", got)
	}
	if want := []string{"exit", "ok"}; !reflect.DeepEqual(merged.Names(), want) {
		t.Errorf("names = %v, want %v", merged.Names(), want)
	}
	if got, _ := base["ok"](&Request{}); got != "" {
		t.Error("merge modified the base registry")
	}
}

func TestSendRetriesBounded(t *testing.T) {
	ft := &fakeTransport{dialErr: errors.New("connection refused"), responds: true}
	link := NewLink(ft, testOptions())
	_, err := link.Send("ok")
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
	if ft.dials != 3 {
		t.Errorf("dials = %d, want 3", ft.dials)
	}
}

func TestSendEmptyIsNoop(t *testing.T) {
	ft := &fakeTransport{responds: true, conn: &scriptConn{}}
	link := NewLink(ft, testOptions())
	resp, err := link.Send("")
	if resp != "" || err != nil || ft.dials != 0 {
		t.Errorf("Send(\"\") = %q, %v after %d dials", resp, err, ft.dials)
	}
	if link.Mode() != ModeUnset {
		t.Errorf("mode = %v", link.Mode())
	}
}

func TestSendResponse(t *testing.T) {
	c := &scriptConn{reads: []string{"SCMD OK done\n"}}
	link := NewLink(&fakeTransport{conn: c, responds: true}, testOptions())
	resp, err := link.Send("ok")
	if err != nil {
		t.Fatal(err)
	}
	if resp != "OK done" {
		t.Errorf("resp = %q", resp)
	}
	if got := c.written.String(); got != "SCMD ok\n" {
		t.Errorf("written = %q", got)
	}
}

func TestSendErrorResponse(t *testing.T) {
	c := &scriptConn{reads: []string{"SCMD ERROR UnknownCommand: unrecognized command \"x\" passed.\n"}}
	link := NewLink(&fakeTransport{conn: c, responds: true}, testOptions())
	_, err := link.Send("x")
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
	if !strings.HasPrefix(pe.Detail, "UnknownCommand:") {
		t.Errorf("detail = %q", pe.Detail)
	}
}

func TestSendNoResponse(t *testing.T) {
	link := NewLink(&fakeTransport{conn: &scriptConn{}, responds: true}, testOptions())
	if _, err := link.Send("ok"); !errors.Is(err, ErrNoResponse) {
		t.Errorf("err = %v, want ErrNoResponse", err)
	}
}

func TestSendDropsConnAfterMissedResponse(t *testing.T) {
	first := &scriptConn{}
	second := &scriptConn{reads: []string{"SCMD ERROR Failure: second\n"}}
	ft := &fakeTransport{conns: []Conn{first, second}, responds: true}
	link := NewLink(ft, testOptions())

	if _, err := link.Send("ok"); !errors.Is(err, ErrNoResponse) {
		t.Fatalf("first Send = %v, want ErrNoResponse", err)
	}
	// The reply to the first command arrives late.
	first.reads = []string{"SCMD OK first\n"}

	resp, err := link.Send("fail")
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("second Send = %q, %v, want *ProtocolError", resp, err)
	}
	if pe.Detail != "Failure: second" {
		t.Errorf("detail = %q", pe.Detail)
	}
	if !first.closed || ft.dials != 2 {
		t.Errorf("first closed = %v, dials = %d", first.closed, ft.dials)
	}
}

func TestSendWaitStr(t *testing.T) {
	c := &scriptConn{reads: []string{"login:\n", "ready> \n", "SCMD OK\n"}}
	opts := testOptions()
	opts.WaitStr = "ready>"
	link := NewLink(&fakeTransport{conn: c, responds: true}, opts)
	resp, err := link.Send("ok")
	if err != nil || resp != "OK" {
		t.Errorf("Send = %q, %v", resp, err)
	}
}

func TestSendRawSkipsResponse(t *testing.T) {
	c := &scriptConn{}
	opts := testOptions()
	opts.Raw = true
	link := NewLink(&fakeTransport{conn: c, responds: true}, opts)
	resp, err := link.Send(`play\tnow`)
	if err != nil || resp != "" {
		t.Errorf("Send = %q, %v", resp, err)
	}
	if got := c.written.String(); got != "play\tnow" {
		t.Errorf("written = %q", got)
	}
}

func TestSendDecodesCharset(t *testing.T) {
	c := &scriptConn{}
	opts := testOptions()
	opts.Encoding = "ISO-8859-1"
	link := NewLink(&fakeTransport{conn: c}, opts)
	if _, err := link.Send("caf\xe9"); err != nil {
		t.Fatal(err)
	}
	if got := c.written.String(); got != "SCMD café\n" {
		t.Errorf("written = %q", got)
	}
}

func TestModeConflict(t *testing.T) {
	c := &scriptConn{}
	sender := NewLink(&fakeTransport{conn: c}, testOptions())
	if _, err := sender.Send("ok"); err != nil {
		t.Fatal(err)
	}
	if err := sender.Listen(context.Background(), exitRegistry()); !errors.Is(err, ErrModeConflict) {
		t.Errorf("Listen on sender = %v", err)
	}

	listener := NewLink(&fakeTransport{conn: &scriptConn{reads: []string{"SCMD exit\n"}}, responds: true}, testOptions())
	if err := listener.Listen(context.Background(), exitRegistry()); err != nil {
		t.Fatal(err)
	}
	if _, err := listener.Send("ok"); !errors.Is(err, ErrModeConflict) {
		t.Errorf("Send on listener = %v", err)
	}
}

func TestListenServesUntilExit(t *testing.T) {
	c := &scriptConn{reads: []string{"SCMD o", "k\n\nSCMD bogus\nSCMD ex", "it\n"}}
	ft := &fakeTransport{conn: c, responds: true}
	link := NewLink(ft, testOptions())
	if err := link.Listen(context.Background(), exitRegistry()); err != nil {
		t.Fatal(err)
	}
	want := "SCMD OK\n" +
		"SCMD ERROR UnknownCommand: unrecognized command \"bogus\" passed.\n" +
		"SCMD OK\n"
	if got := c.written.String(); got != want {
		t.Errorf("responses = %q, want %q", got, want)
	}
	if !c.closed {
		t.Error("connection left open")
	}
	if link.Listening() {
		t.Error("still listening")
	}
}

func TestListenSilentTransport(t *testing.T) {
	c := &scriptConn{reads: []string{"SCMD ok\nSCMD exit\n"}}
	link := NewLink(&fakeTransport{conn: c, responds: false}, testOptions())
	if err := link.Listen(context.Background(), exitRegistry()); err != nil {
		t.Fatal(err)
	}
	if c.written.Len() != 0 {
		t.Errorf("silent transport wrote %q", c.written.String())
	}
}

func TestListenAutoCloseRebinds(t *testing.T) {
	c := &scriptConn{reads: []string{"SCMD ok\n", "SCMD exit\n"}}
	ft := &fakeTransport{conn: c, responds: true}
	opts := testOptions()
	opts.AutoClose = true
	link := NewLink(ft, opts)
	if err := link.Listen(context.Background(), exitRegistry()); err != nil {
		t.Fatal(err)
	}
	if ft.binds != 2 {
		t.Errorf("binds = %d, want 2", ft.binds)
	}
}

func TestListenInterrupted(t *testing.T) {
	link := NewLink(&fakeTransport{conn: &scriptConn{}, responds: true}, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	if err := link.Listen(ctx, exitRegistry()); !errors.Is(err, ErrInterrupted) {
		t.Errorf("err = %v, want ErrInterrupted", err)
	}
}
