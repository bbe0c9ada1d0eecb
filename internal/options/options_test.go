package options

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"deploy-agent/internal/command"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(metrics map[string]any) *command.Request {
	return &command.Request{
		ID:                "req-1",
		Verb:              command.VerbExec,
		RequesterClientID: "cloud",
		Metrics:           metrics,
	}
}

func TestParseDownloadDefaults(t *testing.T) {
	opts, err := ParseDownload(request(map[string]any{
		KeyURI:     "https://x/pkg.dp",
		KeyName:    "pkg",
		KeyVersion: "1.0.0",
		KeyJobID:   float64(12),
		"custom":   "value",
	}), "/data/downloads", "device-42")
	require.NoError(t, err)

	assert.Equal(t, int64(12), opts.JobID)
	assert.Equal(t, "HTTPS", opts.Protocol)
	assert.True(t, opts.AutoInstall)
	assert.Equal(t, DefaultBlockSize, opts.BlockSize)
	assert.Equal(t, DefaultNotifyBlockSize, opts.NotifyBlockSize)
	assert.Equal(t, DefaultTimeout, opts.Timeout)
	assert.Equal(t, "device-42", opts.ClientID)
	assert.Equal(t, "cloud", opts.RequesterClientID)
	assert.Equal(t, map[string]any{"custom": "value"}, opts.HookProperties)
	assert.Equal(t, filepath.Join("/data/downloads", "pkg-1.0.0.dp"), opts.DownloadFile())
}

func TestParseDownloadAllParameters(t *testing.T) {
	opts, err := ParseDownload(request(map[string]any{
		KeyURI:             "http://x/update.sh",
		KeyName:            "os",
		KeyVersion:         "2",
		KeyJobID:           json.Number("3"),
		KeyInstall:         false,
		KeySystemUpdate:    true,
		KeyBlockSize:       1024,
		KeyNotifyBlockSize: 2048,
		KeyBlockDelay:      10,
		KeyTimeout:         500,
		KeyResume:          true,
		KeyUsername:        "u",
		KeyPassword:        "p",
		KeyHash:            "sha-256:ABCDEF",
		KeyReboot:          true,
		KeyRebootDelay:     1000,
		KeyRequestType:     "FIRMWARE",
	}), "/dl", "dev")
	require.NoError(t, err)

	assert.False(t, opts.AutoInstall)
	assert.True(t, opts.SystemUpdate)
	assert.Equal(t, 1024, opts.BlockSize)
	assert.Equal(t, 2048, opts.NotifyBlockSize)
	assert.Equal(t, 10*time.Millisecond, opts.BlockDelay)
	assert.Equal(t, 500*time.Millisecond, opts.Timeout)
	assert.True(t, opts.Resume)
	assert.Equal(t, "SHA256", opts.HashAlgorithm)
	assert.Equal(t, "abcdef", opts.HashValue)
	assert.Equal(t, time.Second, opts.RebootDelay)
	assert.Equal(t, "FIRMWARE", opts.RequestType)
	assert.Empty(t, opts.HookProperties)
	assert.Equal(t, filepath.Join("/dl", "os-2.sh"), opts.DownloadFile())
}

func TestParseDownloadMalformed(t *testing.T) {
	cases := map[string]map[string]any{
		"missing uri":    {KeyName: "pkg", KeyVersion: "1", KeyJobID: 1},
		"missing job id": {KeyURI: "http://x", KeyName: "pkg", KeyVersion: "1"},
		"job id string":  {KeyURI: "http://x", KeyName: "pkg", KeyVersion: "1", KeyJobID: "one"},
		"bad hash":       {KeyURI: "http://x", KeyName: "pkg", KeyVersion: "1", KeyJobID: 1, KeyHash: "crc32:00"},
		"bad protocol":   {KeyURI: "ftp://x", KeyName: "pkg", KeyVersion: "1", KeyJobID: 1, KeyProtocol: "FTP"},
		"no metrics":     nil,
	}
	for name, metrics := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDownload(request(metrics), "/dl", "dev")
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestParseInstall(t *testing.T) {
	opts, err := ParseInstall(request(map[string]any{
		KeyName:        "pkg",
		KeyVersion:     "1.0.0",
		KeyJobID:       5,
		KeyRequestType: "FIRMWARE",
		"hook.mode":    "strict",
	}), "/dl", "dev")
	require.NoError(t, err)

	assert.Equal(t, int64(5), opts.JobID)
	assert.Equal(t, "FIRMWARE", opts.RequestType)
	assert.Equal(t, map[string]any{"hook.mode": "strict"}, opts.HookProperties)

	_, err = ParseInstall(request(map[string]any{KeyName: "pkg", KeyJobID: 5}), "/dl", "dev")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseUninstall(t *testing.T) {
	opts, err := ParseUninstall(request(map[string]any{KeyName: "pkg", KeyJobID: 9, KeyReboot: true}), "dev")
	require.NoError(t, err)
	assert.Equal(t, "pkg", opts.Name)
	assert.Equal(t, int64(9), opts.JobID)
	assert.True(t, opts.Reboot)
	assert.Equal(t, "cloud", opts.RequesterClientID)

	_, err = ParseUninstall(request(map[string]any{KeyJobID: 9}), "dev")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDownloadFileSanitizesName(t *testing.T) {
	opts := &Install{Name: "../etc", Version: "1/2", DownloadDir: "/dl"}
	assert.Equal(t, filepath.Join("/dl", ".._etc-1_2.dp"), opts.DownloadFile())
}

func TestParseRejectsPathLikeNames(t *testing.T) {
	for _, name := range []string{"x/../../victim", `x\y`, "..", "a..b", ".hidden", "pkg\x00"} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDownload(request(map[string]any{
				KeyURI: "http://x/pkg.dp", KeyName: name, KeyVersion: "1", KeyJobID: 1,
			}), "/dl", "dev")
			assert.ErrorIs(t, err, ErrMalformed)

			_, err = ParseInstall(request(map[string]any{KeyName: name, KeyVersion: "1", KeyJobID: 1}), "/dl", "dev")
			assert.ErrorIs(t, err, ErrMalformed)

			_, err = ParseUninstall(request(map[string]any{KeyName: name, KeyJobID: 1}), "dev")
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestValidName(t *testing.T) {
	for _, name := range []string{"web", "web-backend", "pkg_1.2", "a+b"} {
		assert.NoError(t, ValidName(name), name)
	}
	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "x..y", "a\x00"} {
		assert.ErrorIs(t, ValidName(name), ErrInvalidName, name)
	}
}

func TestParseDownloadBoundsBlockSizes(t *testing.T) {
	base := func(key string, v any) map[string]any {
		return map[string]any{KeyURI: "http://x/pkg.dp", KeyName: "pkg", KeyVersion: "1", KeyJobID: 1, key: v}
	}
	for _, key := range []string{KeyBlockSize, KeyNotifyBlockSize} {
		for _, v := range []any{json.Number("70368744177664"), json.Number("0"), int64(1) << 40} {
			_, err := ParseDownload(request(base(key, v)), "/dl", "dev")
			assert.ErrorIs(t, err, ErrMalformed, "%s=%v", key, v)
		}
	}

	opts, err := ParseDownload(request(base(KeyBlockSize, MaxBlockSize)), "/dl", "dev")
	require.NoError(t, err)
	assert.Equal(t, MaxBlockSize, opts.BlockSize)
}
