package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

// FTP implements RemoteFS on an FTP server. Every operation runs on its own connection, so
// a FTP value is safe for concurrent use and never holds an idle session open between
// tasks.
type FTP struct {
	addr     string
	user     string
	password string

	// timeout bounds the dial and every read or write on the control and data connections
	timeout time.Duration
}

func NewFTP(addr, user, password string, timeout time.Duration) *FTP {
	return &FTP{addr: addr, user: user, password: password, timeout: timeout}
}

func (f *FTP) connect(ctx context.Context) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(f.addr, ftp.DialWithDialFunc(f.dialFunc(ctx)))
	if err != nil {
		return nil, fmt.Errorf("%w: could not dial %s: %w", ErrTransfer, f.addr, err)
	}
	if err := conn.Login(f.user, f.password); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("%w: could not login to %s: %w", ErrTransfer, f.addr, err)
	}
	return conn, nil
}

// dialFunc opens both the control and the data connections, so a server that stops
// answering fails the operation after timeout instead of hanging it
func (f *FTP) dialFunc(ctx context.Context) func(network, address string) (net.Conn, error) {
	return func(network, address string) (net.Conn, error) {
		dialer := net.Dialer{Timeout: f.timeout}
		conn, err := dialer.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		if f.timeout <= 0 {
			return conn, nil
		}
		return &deadlineConn{Conn: conn, timeout: f.timeout}, nil
	}
}

func (f *FTP) List(ctx context.Context, dir string) ([]Entry, error) {
	conn, err := f.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	listed, err := conn.List(dir)
	if err != nil {
		return nil, classify(err, "list "+dir)
	}

	entries := make([]Entry, 0, len(listed))
	for _, e := range listed {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		kind := KindUnknown
		switch e.Type {
		case ftp.EntryTypeFile:
			kind = KindFile
		case ftp.EntryTypeFolder:
			kind = KindDir
		}
		entries = append(entries, Entry{Name: path.Base(e.Name), Kind: kind})
	}
	return entries, nil
}

func (f *FTP) IsDir(ctx context.Context, p string) (bool, error) {
	conn, err := f.connect(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Quit()

	if err := conn.ChangeDir(p); err != nil {
		// servers answer 550 both for files and for paths we may not enter
		if isUnavailable(err) {
			return false, nil
		}
		return false, classify(err, "enter "+p)
	}
	return true, nil
}

func (f *FTP) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	conn, err := f.connect(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := conn.Retr(p)
	if err != nil {
		_ = conn.Quit()
		return nil, classify(err, "retrieve "+p)
	}
	return &ftpReader{resp: resp, conn: conn}, nil
}

func (f *FTP) Put(ctx context.Context, p string, r io.Reader) error {
	conn, err := f.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()

	if err := conn.Stor(p, r); err != nil {
		return classify(err, "store "+p)
	}
	return nil
}

func (f *FTP) MakeDir(ctx context.Context, dir string) error {
	conn, err := f.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()

	current := "/"
	for _, part := range strings.Split(strings.Trim(path.Clean(dir), "/"), "/") {
		if part == "" {
			continue
		}
		current = path.Join(current, part)
		if err := conn.ChangeDir(current); err == nil {
			continue
		}
		if err := conn.MakeDir(current); err != nil {
			return classify(err, "make directory "+current)
		}
	}
	return nil
}

// ftpReader closes the data connection before the control connection
type ftpReader struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (r *ftpReader) Read(p []byte) (int, error) {
	n, err := r.resp.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	return n, err
}

func (r *ftpReader) Close() error {
	err := r.resp.Close()
	if qErr := r.conn.Quit(); err == nil {
		err = qErr
	}
	return err
}

// deadlineConn pushes the deadline forward before every read and write
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

func isUnavailable(err error) bool {
	var protoErr *textproto.Error
	return errors.As(err, &protoErr) && protoErr.Code == ftp.StatusFileUnavailable
}

func classify(err error, op string) error {
	if isUnavailable(err) {
		return fmt.Errorf("%w: %s: %w", ErrNotFound, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrTransfer, op, err)
}

var _ RemoteFS = (*FTP)(nil)
