package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// MirrorConfig describes the remote side of artifact mirroring.
type MirrorConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey string
	RemoteDir  string
}

// SFTPMirror copies bundle files to a remote host over SFTP. Each push dials
// a fresh connection; pushes are infrequent (once per completed training).
type SFTPMirror struct {
	addr      string
	user      string
	auth      []ssh.AuthMethod
	remoteDir string
}

func NewSFTPMirror(cfg MirrorConfig) (*SFTPMirror, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("mirror host is required")
	}
	if strings.TrimSpace(cfg.User) == "" {
		return nil, fmt.Errorf("mirror user is required")
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}

	auth := make([]ssh.AuthMethod, 0, 2)
	if key := strings.TrimSpace(cfg.PrivateKey); key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if password := strings.TrimSpace(cfg.Password); password != "" {
		auth = append(auth, ssh.Password(password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("mirror needs a private key or password")
	}

	remoteDir := cfg.RemoteDir
	if strings.TrimSpace(remoteDir) == "" {
		remoteDir = "artifacts"
	}

	return &SFTPMirror{
		addr:      fmt.Sprintf("%s:%d", cfg.Host, port),
		user:      cfg.User,
		auth:      auth,
		remoteDir: remoteDir,
	}, nil
}

func (m *SFTPMirror) Addr() string {
	return m.addr
}

// Push copies one local file to remoteDir/remoteName on the mirror host.
func (m *SFTPMirror) Push(ctx context.Context, localPath, remoteName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	config := &ssh.ClientConfig{
		User:            m.user,
		Auth:            m.auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	client, err := ssh.Dial("tcp", m.addr, config)
	if err != nil {
		return fmt.Errorf("ssh dial failed: %w", err)
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("open sftp session: %w", err)
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(m.remoteDir); err != nil {
		return fmt.Errorf("create remote dir: %w", err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local bundle: %w", err)
	}
	defer src.Close()

	remotePath := path.Join(m.remoteDir, remoteName)
	dst, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy bundle: %w", err)
	}
	if err := dst.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod remote file: %w", err)
	}
	return nil
}
