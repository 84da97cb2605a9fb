package ssh

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// PullFile downloads remotePath to localPath via SFTP and returns the bytes copied.
// The data lands in a temporary file next to localPath that is renamed into place
// once complete, so localPath never holds a partial download. Cancelling ctx
// aborts the transfer.
func PullFile(ctx context.Context, client *xssh.Client, remotePath, localPath string) (int64, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return 0, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	stop := context.AfterFunc(ctx, func() { sf.Close() })
	defer stop()

	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("mkdir local: %w", err)
	}
	src, err := sf.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat remote %s: %w", remotePath, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("remote %s is a directory", remotePath)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(localPath)+".part-*")
	if err != nil {
		return 0, fmt.Errorf("create local: %w", err)
	}
	n, err := src.WriteTo(tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), info.Mode().Perm()|0o600)
	}
	if err != nil {
		os.Remove(tmp.Name())
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, fmt.Errorf("copy %s: %w", remotePath, err)
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		os.Remove(tmp.Name())
		return n, fmt.Errorf("rename into place: %w", err)
	}
	return n, nil
}
