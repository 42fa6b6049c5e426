package main

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/GalleryDrop/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv("GALLERYDROP_LOG_LEVEL", "error")
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestShardPathAndSeq(t *testing.T) {
	out, err := execute(t, "shard", "path", "--ext", "png", "1234567")
	require.NoError(t, err)
	rel := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(rel, "001/234/567/"), rel)
	assert.True(t, strings.HasSuffix(rel, ".png"), rel)

	out, err = execute(t, "shard", "seq", rel)
	require.NoError(t, err)
	assert.Equal(t, "1234567\n", out)

	_, err = execute(t, "shard", "seq", "not/a/path")
	assert.Error(t, err)
}

func TestShardNextOnEmptyRoot(t *testing.T) {
	out, err := execute(t, "shard", "next", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)
}

func TestDecodeMultipartFile(t *testing.T) {
	root := t.TempDir()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.WriteField("user[name]", "ada"))
	require.NoError(t, w.WriteField("tags[]", "a"))
	require.NoError(t, w.WriteField("tags[]", "b"))
	fw, err := w.CreateFormFile("avatar", "me.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	input := filepath.Join(t.TempDir(), "body")
	require.NoError(t, os.WriteFile(input, body.Bytes(), 0o600))

	out, err := execute(t, "decode", "--root", root, "--start", "5", "-t", w.FormDataContentType(), input)
	require.NoError(t, err)

	var got struct {
		Form  map[string]any `json:"form"`
		Files []struct {
			Path string `json:"path"`
			Size int64  `json:"size"`
		} `json:"files"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, map[string]any{"name": "ada"}, got.Form["user"])
	assert.Equal(t, []any{"a", "b"}, got.Form["tags"])
	require.Len(t, got.Files, 1)
	assert.Equal(t, int64(5), got.Files[0].Size)
	assert.True(t, strings.HasPrefix(got.Files[0].Path, "000/000/005/"), got.Files[0].Path)
	assert.FileExists(t, filepath.Join(root, filepath.FromSlash(got.Files[0].Path)))
}

func TestDecodeRequiresContentType(t *testing.T) {
	_, err := execute(t, "decode", "-")
	assert.Error(t, err)

	_, err = execute(t, "decode", "-t", "text/plain", "--root", t.TempDir(), os.DevNull)
	assert.Error(t, err)
}

func TestRunAndTestFlags(t *testing.T) {
	run := newRunCmd()
	require.NotNil(t, run.PersistentFlags().Lookup("config"))
	require.NotNil(t, run.PersistentFlags().Lookup("upload-root"))
	for _, name := range []string{"server", "api", "worker"} {
		sub, _, err := run.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
	assert.NotNil(t, newTestCmd().Flags().Lookup("verbose"))
}
