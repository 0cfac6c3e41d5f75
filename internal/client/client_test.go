package client

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/opendxa/processing/internal/config"
)

func TestNewS3Client_Incomplete(t *testing.T) {
	_, err := NewS3Client(&config.S3Config{BucketName: "dumps"})
	assert.Error(t, err)
}

func TestS3Client_PublicURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.S3Config
		want string
	}{
		{
			name: "public url wins",
			cfg:  config.S3Config{Endpoint: "http://minio:9000", PublicURL: "https://cdn.example.com/", BucketName: "b"},
			want: "https://cdn.example.com/dumps/a.glb",
		},
		{
			name: "custom endpoint uses path style",
			cfg:  config.S3Config{Endpoint: "http://minio:9000/", BucketName: "b"},
			want: "http://minio:9000/b/dumps/a.glb",
		},
		{
			name: "aws default",
			cfg:  config.S3Config{BucketName: "b"},
			want: "https://b.s3.amazonaws.com/dumps/a.glb",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.AccessKeyID = "key"
			cfg.SecretAccessKey = "secret"
			cfg.Region = "us-east-1"
			c, err := NewS3Client(&cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.GetPublicURL("dumps/a.glb"))
		})
	}
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'/data/run 1/dump.lammpstrj'`, shellQuote("/data/run 1/dump.lammpstrj"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestSSHClientConfig(t *testing.T) {
	c := NewSSHClient(0)

	_, err := c.clientConfig(SSHTarget{Host: "h", Username: "u"})
	assert.Error(t, err, "credentials are required")

	_, err = c.clientConfig(SSHTarget{Host: "h", Username: "u", PrivateKey: "not a key"})
	assert.Error(t, err)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	cfg, err := c.clientConfig(SSHTarget{
		Host:       "h",
		Username:   "u",
		PrivateKey: string(pem.EncodeToMemory(block)),
		Password:   "pw",
		HostKey:    string(ssh.MarshalAuthorizedKey(sshPub)),
	})
	require.NoError(t, err)
	assert.Equal(t, "u", cfg.User)
	assert.Len(t, cfg.Auth, 2)
}
