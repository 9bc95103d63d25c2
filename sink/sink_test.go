package sink

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/require"

	"github.com/copima/copima/config"
	"github.com/copima/copima/core"
)

func testOutputConfig(rootDir string) config.OutputConfig {
	return config.OutputConfig{
		RootDir:     rootDir,
		FileNaming:  config.FileNamingLowercase,
		Compression: config.CompressionNone,
	}
}

func TestShardPathLayout(t *testing.T) {
	sink, err := New(testOutputConfig("/data/output"))
	require.NoError(t, err)

	// Root-level resources shard directly under the output root.
	require.Equal(t, filepath.Join("/data/output", "users.jsonl"),
		sink.ShardPath(core.ResourceUsers, nil))
	require.Equal(t, filepath.Join("/data/output", "groups.jsonl"),
		sink.ShardPath(core.ResourceGroups, nil))

	// Nested resources follow the hierarchy segments verbatim.
	require.Equal(t, filepath.Join("/data/output", "groups", "org", "projects.jsonl"),
		sink.ShardPath(core.ResourceProjects, []string{"groups", "org"}))
	require.Equal(t, filepath.Join("/data/output", "groups", "org", "projects", "issues.jsonl"),
		sink.ShardPath(core.ResourceIssues, []string{"groups", "org", "projects"}))
}

func TestShardPathNamingConventions(t *testing.T) {
	cases := []struct {
		naming string
		want   string
	}{
		{config.FileNamingLowercase, "mergerequests.jsonl"},
		{config.FileNamingKebab, "merge-requests.jsonl"},
		{config.FileNamingSnake, "merge_requests.jsonl"},
	}
	for _, tc := range cases {
		t.Run(tc.naming, func(t *testing.T) {
			cfg := testOutputConfig("/out")
			cfg.FileNaming = tc.naming
			sink, err := New(cfg)
			require.NoError(t, err)

			path := sink.ShardPath(core.ResourceMergeRequests, nil)
			require.Equal(t, tc.want, filepath.Base(path))
		})
	}
}

func TestShardPathDeterministic(t *testing.T) {
	sink, err := New(testOutputConfig("/out"))
	require.NoError(t, err)

	first := sink.ShardPath(core.ResourceLabels, []string{"acme", "platform"})
	second := sink.ShardPath(core.ResourceLabels, []string{"acme", "platform"})
	require.Equal(t, first, second)
}

func TestWriteAppendsJSONLines(t *testing.T) {
	rootDir := t.TempDir()
	sink, err := New(testOutputConfig(rootDir))
	require.NoError(t, err)

	ctx := context.Background()
	written, err := sink.Write(ctx, core.ResourceUsers, nil, []core.Record{
		{"id": "1", "username": "ada"},
		{"id": "2", "username": "grace"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, written)

	// A second batch appends, never truncates.
	written, err = sink.Write(ctx, core.ResourceUsers, nil, []core.Record{
		{"id": "3", "username": "radia"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, written)

	raw, err := os.ReadFile(sink.ShardPath(core.ResourceUsers, nil))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	for _, line := range lines {
		var record map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &record))
	}
}

func TestWriteEmptyBatchIsNoop(t *testing.T) {
	rootDir := t.TempDir()
	sink, err := New(testOutputConfig(rootDir))
	require.NoError(t, err)

	written, err := sink.Write(context.Background(), core.ResourceUsers, nil, nil)
	require.NoError(t, err)
	require.Zero(t, written)
	_, statErr := os.Stat(sink.ShardPath(core.ResourceUsers, nil))
	require.True(t, os.IsNotExist(statErr), "empty batch must not create a shard")
}

func TestWriteGzipCompressed(t *testing.T) {
	cfg := testOutputConfig(t.TempDir())
	cfg.Compression = config.CompressionGzip
	sink, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = sink.Write(ctx, core.ResourceCommits, []string{"acme", "api"}, []core.Record{{"sha": "abc"}})
	require.NoError(t, err)
	_, err = sink.Write(ctx, core.ResourceCommits, []string{"acme", "api"}, []core.Record{{"sha": "def"}})
	require.NoError(t, err)

	path := sink.ShardPath(core.ResourceCommits, []string{"acme", "api"})
	require.True(t, strings.HasSuffix(path, ".jsonl.gz"))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	// Concatenated gzip members decode as one stream.
	reader, err := gzip.NewReader(file)
	require.NoError(t, err)
	scanner := bufio.NewScanner(reader)
	var shas []string
	for scanner.Scan() {
		var record map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
		shas = append(shas, record["sha"].(string))
	}
	require.Equal(t, []string{"abc", "def"}, shas)
}

func TestWriteBrotliCompressed(t *testing.T) {
	cfg := testOutputConfig(t.TempDir())
	cfg.Compression = config.CompressionBrotli
	sink, err := New(cfg)
	require.NoError(t, err)

	_, err = sink.Write(context.Background(), core.ResourceBranches, []string{"acme", "api"}, []core.Record{{"name": "main"}})
	require.NoError(t, err)

	path := sink.ShardPath(core.ResourceBranches, []string{"acme", "api"})
	require.True(t, strings.HasSuffix(path, ".jsonl.br"))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	scanner := bufio.NewScanner(brotli.NewReader(file))
	require.True(t, scanner.Scan())
	var record map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
	require.Equal(t, "main", record["name"])
}

func TestWritePrettyPrint(t *testing.T) {
	cfg := testOutputConfig(t.TempDir())
	cfg.PrettyPrint = true
	sink, err := New(cfg)
	require.NoError(t, err)

	_, err = sink.Write(context.Background(), core.ResourceGroups, nil, []core.Record{{"id": "g1", "name": "acme"}})
	require.NoError(t, err)

	raw, err := os.ReadFile(sink.ShardPath(core.ResourceGroups, nil))
	require.NoError(t, err)
	require.Contains(t, string(raw), "\n  \"id\"")
}

func TestWriteConcurrentSameShard(t *testing.T) {
	rootDir := t.TempDir()
	sink, err := New(testOutputConfig(rootDir))
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := sink.Write(context.Background(), core.ResourceUsers, nil, []core.Record{
				{"id": i, "payload": strings.Repeat("x", 512)},
			})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	raw, err := os.ReadFile(sink.ShardPath(core.ResourceUsers, nil))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, writers)
	for _, line := range lines {
		var record map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &record), "torn line: %q", line)
	}
}

func TestSanitizeHierarchySegments(t *testing.T) {
	sink, err := New(testOutputConfig("/out"))
	require.NoError(t, err)

	path := sink.ShardPath(core.ResourceUsers, []string{"groups", "team:alpha"})
	require.NotContains(t, filepath.ToSlash(path)[len("/out/"):], ":")
	require.Contains(t, path, "team_alpha")
}
