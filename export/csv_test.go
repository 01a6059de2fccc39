package export

import (
	"encoding/csv"
	"strings"
	"testing"

	"leadwatch-bot/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEmpty(t *testing.T) {
	data, rows, err := Render(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, rows)
	assert.Equal(t, "keyword,chat,sender,datetime,link,text\n", string(data))
}

func TestRenderCombinesWatchers(t *testing.T) {
	watchers := []*model.Watcher{
		{ID: 1, Results: []model.MatchRecord{
			{Keyword: "rent", Chat: "Flats", Sender: "alice", DateTime: "2026-08-30 10:30:00", Link: "https://t.me/flats/1", Text: "flat for rent"},
		}},
		{ID: 2, Results: []model.MatchRecord{
			{Keyword: "sale", Chat: "Deals", Sender: "bob", DateTime: "2026-08-30 11:00:00", Link: "unavailable", Text: "big sale"},
		}},
	}

	data, rows, err := Render(watchers)
	require.NoError(t, err)
	assert.Equal(t, 2, rows)

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"keyword", "chat", "sender", "datetime", "link", "text"}, records[0])
	assert.Equal(t, "rent", records[1][0])
	assert.Equal(t, "sale", records[2][0])
}

func TestRenderFlattensNewlines(t *testing.T) {
	watchers := []*model.Watcher{
		{ID: 1, Results: []model.MatchRecord{
			{Keyword: "rent", Text: "line one\nline two\nline three"},
		}},
	}

	data, _, err := Render(watchers)
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "line one line two line three", records[1][5])
}
