package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mci/mci/internal/domain/healthid"
)

func TestCheckHID(t *testing.T) {
	tests := []struct {
		hid   string
		valid bool
		out   string
	}{
		{"10000000001", true, "10000000001\tvalid\tminute=0 worker=0 random=0\n"},
		{"10000107595", true, "10000107595\tvalid\tminute=5 worker=2 random=7\n"},
		{"10000107594", false, "checksum mismatch"},
		{"12345", false, "must be 11 digits"},
		{"1000000000a", false, "not numeric"},
	}

	for _, tt := range tests {
		t.Run(tt.hid, func(t *testing.T) {
			var buf bytes.Buffer
			assert.Equal(t, tt.valid, checkHID(&buf, tt.hid))
			assert.Contains(t, buf.String(), tt.out)
		})
	}
}

func TestHidCmd_Check(t *testing.T) {
	cmd := hidCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)

	cmd.SetArgs([]string{"check", "10000000001", healthid.Encode(9_800_000_000)})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, 2, bytes.Count(out.Bytes(), []byte("\tvalid")))

	out.Reset()
	cmd.SetArgs([]string{"check", "10000000001", "10000000002"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 HIDs invalid")
}

func TestPrintBlock(t *testing.T) {
	var buf bytes.Buffer
	printBlock(&buf, nil, 10)
	assert.Equal(t, "No HIDs generated.\n", buf.String())

	buf.Reset()
	printBlock(&buf, &healthid.GeneratedBlock{SeriesNo: 9, BeginsAt: 9_800_000_000, EndsAt: 9_800_000_009, TotalHIDs: 10}, 10)
	assert.Equal(t, "Generated 10 of 10 HIDs (series 9, bodies 9800000000..9800000009).\n", buf.String())
}
