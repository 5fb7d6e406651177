// Package sftpremote implements remote.Storage over SFTP. Ids are absolute
// slash-separated paths on the server.
package sftpremote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	mirrorerr "github.com/alexjbarnes/vault-mirror/internal/errors"
	"github.com/alexjbarnes/vault-mirror/internal/remote"
)

// Config holds the SSH connection settings.
type Config struct {
	Host string
	Port int
	User string
	// KeyFile is an explicit private key. When empty the SSH agent and the
	// default keys in ~/.ssh are tried.
	KeyFile string
	// KnownHostsFile verifies the server host key. Defaults to
	// ~/.ssh/known_hosts.
	KnownHostsFile string
	// InsecureIgnoreHostKey disables host key verification.
	InsecureIgnoreHostKey bool
}

// Storage holds an active SSH/SFTP session.
type Storage struct {
	sshClient  *ssh.Client
	sftpClient *sftp.Client
}

var _ remote.Storage = (*Storage)(nil)

// Connect establishes an SSH connection and opens an SFTP session.
func Connect(cfg Config) (*Storage, error) {
	authMethods, err := authMethods(cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("%w: no SSH authentication methods available (tried SSH agent and default keys)", mirrorerr.ErrUnauthorized)
	}

	hostKeyCallback, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	sshClient, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("SSH connection to %s failed: %w", addr, err)
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("SFTP session creation failed: %w", err)
	}

	return &Storage{sshClient: sshClient, sftpClient: sftpClient}, nil
}

// NewWithClient wraps an existing SFTP client.
func NewWithClient(c *sftp.Client) *Storage {
	return &Storage{sftpClient: c}
}

// Close closes the SFTP session and SSH connection.
func (s *Storage) Close() error {
	var firstErr error

	if s.sftpClient != nil {
		if err := s.sftpClient.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.sshClient != nil {
		if err := s.sshClient.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// EnsureRoot creates the remote root directory and returns its id.
func (s *Storage) EnsureRoot(root string) (string, error) {
	if root == "" {
		root = "."
	}

	if !path.IsAbs(root) {
		wd, err := s.sftpClient.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolving remote working directory: %w", mapError(err))
		}

		root = path.Join(wd, root)
	}

	root = path.Clean(root)

	if err := s.sftpClient.MkdirAll(root); err != nil {
		return "", fmt.Errorf("creating remote root %s: %w", root, mapError(err))
	}

	return root, nil
}

// List returns the children of a directory in a single page. Symlinks and
// special files are left out.
func (s *Storage) List(ctx context.Context, folderID, _ string) (*remote.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	infos, err := s.sftpClient.ReadDir(folderID)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", folderID, mapError(err))
	}

	page := &remote.Page{}

	for _, fi := range infos {
		if !fi.Mode().IsRegular() && !fi.IsDir() {
			continue
		}

		page.Entries = append(page.Entries, entryFrom(path.Join(folderID, fi.Name()), fi))
	}

	return page, nil
}

// CreateFolder creates a directory, succeeding if it already exists.
func (s *Storage) CreateFolder(ctx context.Context, parentID, name string) (remote.Entry, error) {
	if err := ctx.Err(); err != nil {
		return remote.Entry{}, err
	}

	p := path.Join(parentID, name)

	if err := s.sftpClient.Mkdir(p); err != nil {
		fi, statErr := s.sftpClient.Stat(p)
		if statErr != nil || !fi.IsDir() {
			return remote.Entry{}, fmt.Errorf("creating folder %s: %w", p, mapError(err))
		}
	}

	return remote.Entry{ID: p, Name: name, Folder: true}, nil
}

// Upload writes a file, replacing any existing content.
func (s *Storage) Upload(ctx context.Context, parentID, name string, r io.Reader, _ int64) (remote.Entry, error) {
	if err := ctx.Err(); err != nil {
		return remote.Entry{}, err
	}

	p := path.Join(parentID, name)

	f, err := s.sftpClient.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return remote.Entry{}, fmt.Errorf("creating %s: %w", p, mapError(err))
	}

	if _, err := f.ReadFrom(r); err != nil {
		f.Close()
		return remote.Entry{}, fmt.Errorf("writing %s: %w", p, mapError(err))
	}

	if err := f.Close(); err != nil {
		return remote.Entry{}, fmt.Errorf("closing %s: %w", p, mapError(err))
	}

	fi, err := s.sftpClient.Stat(p)
	if err != nil {
		return remote.Entry{}, fmt.Errorf("stat %s after upload: %w", p, mapError(err))
	}

	return entryFrom(p, fi), nil
}

// Download opens a file for reading.
func (s *Storage) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := s.sftpClient.Open(id)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", id, mapError(err))
	}

	return f, nil
}

// Delete removes a file or a directory tree.
func (s *Storage) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if path.Clean(id) == "/" {
		return errors.New("refusing to delete filesystem root")
	}

	fi, err := s.sftpClient.Lstat(id)
	if err != nil {
		return fmt.Errorf("deleting %s: %w", id, mapError(err))
	}

	if err := s.removeTree(id, fi); err != nil {
		return fmt.Errorf("deleting %s: %w", id, mapError(err))
	}

	return nil
}

func (s *Storage) removeTree(p string, fi fs.FileInfo) error {
	if !fi.IsDir() {
		return s.sftpClient.Remove(p)
	}

	children, err := s.sftpClient.ReadDir(p)
	if err != nil {
		return err
	}

	for _, c := range children {
		if err := s.removeTree(path.Join(p, c.Name()), c); err != nil {
			return err
		}
	}

	return s.sftpClient.RemoveDirectory(p)
}

// entryFrom builds an entry. SFTP has no content hash, so size and
// modification time stand in as the fingerprint.
func entryFrom(p string, fi fs.FileInfo) remote.Entry {
	e := remote.Entry{
		ID:     p,
		Name:   fi.Name(),
		Folder: fi.IsDir(),
		MTime:  fi.ModTime().UnixMilli(),
	}

	if !e.Folder {
		e.Size = fi.Size()
		e.Hash = fmt.Sprintf("%d-%d", fi.Size(), fi.ModTime().UnixNano())
	}

	return e
}

func mapError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", mirrorerr.ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return err
	case errors.Is(err, sftp.ErrSSHFxConnectionLost), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return remote.Transient(err)
	}

	return err
}

// authMethods returns SSH authentication methods in priority order: an
// explicit key file, then the SSH agent, then the default keys.
func authMethods(keyFile string) ([]ssh.AuthMethod, error) {
	if keyFile != "" {
		keyData, err := os.ReadFile(keyFile) //nolint:gosec // G304: operator-configured key path
		if err != nil {
			return nil, fmt.Errorf("reading SSH key %s: %w", keyFile, err)
		}

		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("parsing SSH key %s: %w", keyFile, err)
		}

		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	var methods []ssh.AuthMethod

	if agentAuth := trySSHAgent(); agentAuth != nil {
		methods = append(methods, agentAuth)
	}

	methods = append(methods, tryDefaultSSHKeys()...)

	return methods, nil
}

// trySSHAgent attempts to connect to the SSH agent.
func trySSHAgent() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil
	}

	agentClient := agent.NewClient(conn)

	return ssh.PublicKeysCallback(agentClient.Signers)
}

// tryDefaultSSHKeys loads unencrypted keys from the default locations.
func tryDefaultSSHKeys() []ssh.AuthMethod {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil
	}

	sshDir := filepath.Join(homeDir, ".ssh")

	var methods []ssh.AuthMethod

	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		keyData, err := os.ReadFile(filepath.Join(sshDir, name)) //nolint:gosec // G304: fixed default key names
		if err != nil {
			continue
		}

		// Encrypted keys are skipped; use the agent for those.
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			continue
		}

		methods = append(methods, ssh.PublicKeys(signer))
	}

	return methods
}

func hostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // G106: explicit operator opt-out
	}

	file := cfg.KnownHostsFile
	if file == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("finding home directory for known_hosts: %w", err)
		}

		file = filepath.Join(homeDir, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("loading known hosts %s: %w", file, err)
	}

	return cb, nil
}
