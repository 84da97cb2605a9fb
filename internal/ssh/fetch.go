package ssh

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/ladapter/internal/telemetry"
)

// Source is a parsed sftp://user@host[:port]/path artifact location.
type Source struct {
	User string
	Host string
	Port int
	Path string
}

// Addr returns host:port.
func (s Source) Addr() string { return net.JoinHostPort(s.Host, strconv.Itoa(s.Port)) }

func (s Source) String() string {
	p := s.Path
	if !strings.HasPrefix(p, "/") {
		p = "/~/" + p
	}
	return fmt.Sprintf("sftp://%s@%s%s", s.User, s.Addr(), p)
}

// ParseSource parses an artifact URL. A path starting with /~/ is relative to the
// login directory; any other path is absolute.
func ParseSource(raw string) (Source, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Source{}, fmt.Errorf("parse source: %w", err)
	}
	if u.Scheme != "sftp" {
		return Source{}, fmt.Errorf("source %q: scheme must be sftp", raw)
	}
	s := Source{Host: u.Hostname(), Port: 22, Path: u.Path}
	if u.User != nil {
		s.User = u.User.Username()
	}
	if s.User == "" || s.Host == "" {
		return Source{}, fmt.Errorf("source %q: user and host are required", raw)
	}
	if p := u.Port(); p != "" {
		if s.Port, err = strconv.Atoi(p); err != nil || s.Port < 1 || s.Port > 65535 {
			return Source{}, fmt.Errorf("source %q: bad port %q", raw, p)
		}
	}
	if rel, ok := strings.CutPrefix(s.Path, "/~/"); ok {
		s.Path = rel
	}
	if s.Path == "" || s.Path == "/" || strings.HasSuffix(s.Path, "/") {
		return Source{}, fmt.Errorf("source %q: path must name a file", raw)
	}
	return s, nil
}

// Fetcher pulls artifacts with one key and one known_hosts file.
type Fetcher struct {
	KeyPath               string
	KnownHosts            string
	InsecureIgnoreHostKey bool
	Timeout               time.Duration
	Monitor               *telemetry.PerformanceMonitor
}

// Fetch copies the file named by source to dest and returns its size.
func (f *Fetcher) Fetch(ctx context.Context, source, dest string) (int64, error) {
	src, err := ParseSource(source)
	if err != nil {
		return 0, err
	}
	signer, err := LoadPrivateKeySigner(f.KeyPath)
	if err != nil {
		return 0, err
	}
	hostKeys, err := f.hostKeyCallback()
	if err != nil {
		return 0, err
	}

	started := time.Now()
	cli, err := Dial(ctx, &Client{
		Addr:       src.Addr(),
		User:       src.User,
		Signer:     signer,
		KnownHosts: hostKeys,
		Timeout:    f.Timeout,
	})
	if err != nil {
		f.record(src.Host, 0, time.Since(started), false)
		return 0, err
	}
	defer cli.Close()

	n, err := PullFile(ctx, cli, src.Path, dest)
	f.record(src.Host, n, time.Since(started), err == nil)
	if err != nil {
		return n, err
	}
	log.Info().Str("source", src.String()).Str("dest", dest).Int64("bytes", n).Msg("Fetched artifact")
	return n, nil
}

func (f *Fetcher) hostKeyCallback() (xssh.HostKeyCallback, error) {
	if f.InsecureIgnoreHostKey {
		log.Warn().Msg("Host key verification disabled for artifact fetches")
		return xssh.InsecureIgnoreHostKey(), nil
	}
	return LoadKnownHostsCallback(f.KnownHosts)
}

func (f *Fetcher) record(host string, n int64, d time.Duration, ok bool) {
	if f.Monitor != nil {
		f.Monitor.RecordFileTransfer(host, n, d, ok)
	}
}
