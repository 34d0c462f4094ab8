package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	webhookdomain "github.com/smallbiznis/orderpay/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	assert.ElementsMatch(t, []string{"migrate", "sweep", "purge", "replay", "dead-letters"}, names)
}

func TestReplayRejectsBadID(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"replay", "not-an-id"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid failure id")
}

func TestReplayRequiresOneArg(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"replay"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	require.Error(t, root.Execute())
}

func TestWriteFailures(t *testing.T) {
	var out bytes.Buffer
	cmd := deadLettersCmd(&rootOptions{})
	cmd.SetOut(&out)

	err := writeFailures(cmd, []webhookdomain.Failure{{
		ID:         snowflake.ID(42),
		Status:     webhookdomain.FailureDeadLetter,
		Provider:   "midtrans",
		PaymentID:  "pay-1",
		RetryCount: 5,
		LastError:  "gateway\nunavailable",
		UpdatedAt:  time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "dead_letter")
	assert.Contains(t, lines[1], "gateway unavailable")
	assert.Contains(t, lines[1], "2024-05-01T10:00:00Z")
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b c", oneLine("a\n b\tc", 80))
	assert.Equal(t, "abcde...", oneLine("abcdefghijkl", 8))
}
