package normalize

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/listingfuse/internal/model"
)

var testNow = time.UnixMilli(1_736_899_200_000)

func newNormalizer() *Normalizer {
	n := New(NewClassifier())
	n.SetClock(func() time.Time { return testNow })
	return n
}

func valid() *model.RawEvent {
	return &model.RawEvent{
		Source:     "ws_binance",
		SourceType: model.SourceTypeWebsocket,
		Exchange:   "Binance",
		Symbol:     "ABCUSDT",
		Event:      model.EventListing,
		RawText:    "Binance will list ABC",
		DetectedAt: testNow.UnixMilli(),
		NodeID:     "collector-1",
	}
}

func TestNormalize_Valid(t *testing.T) {
	n := newNormalizer()
	e := valid()
	require.NoError(t, n.Normalize(e))
	assert.Equal(t, "binance", e.Exchange, "exchange lowercased")
	assert.Equal(t, "ABC", e.CanonicalSymbol, "quote suffix stripped")
}

func TestNormalize_SchemaInvalid(t *testing.T) {
	n := newNormalizer()
	cases := []struct {
		name   string
		mutate func(*model.RawEvent)
	}{
		{"missing source", func(e *model.RawEvent) { e.Source = "" }},
		{"missing source_type", func(e *model.RawEvent) { e.SourceType = "" }},
		{"missing raw_text", func(e *model.RawEvent) { e.RawText = "" }},
		{"missing node_id", func(e *model.RawEvent) { e.NodeID = "" }},
		{"missing detected_at", func(e *model.RawEvent) { e.DetectedAt = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := valid()
			tc.mutate(e)
			err := n.Normalize(e)
			require.Error(t, err)
			var rej *RejectError
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, ReasonSchemaInvalid, rej.Reason)
		})
	}
}

func TestNormalize_StaleOrSkewed(t *testing.T) {
	n := newNormalizer()

	e := valid()
	e.DetectedAt = testNow.Add(-61 * time.Minute).UnixMilli()
	err := n.Normalize(e)
	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonStaleOrSkewed, rej.Reason, "stale event rejected")

	e = valid()
	e.DetectedAt = testNow.Add(61 * time.Minute).UnixMilli()
	require.ErrorAs(t, n.Normalize(e), &rej)
	assert.Equal(t, ReasonStaleOrSkewed, rej.Reason, "future-skewed event rejected")

	// Just inside the window is fine.
	e = valid()
	e.DetectedAt = testNow.Add(-59 * time.Minute).UnixMilli()
	assert.NoError(t, n.Normalize(e))
}

func TestNormalize_InfersEventType(t *testing.T) {
	n := newNormalizer()
	e := valid()
	e.Event = ""
	e.RawText = "Binance Will List ABC (ABC) in the Innovation Zone"
	require.NoError(t, n.Normalize(e))
	assert.Equal(t, model.EventListing, e.Event)

	e = valid()
	e.Event = ""
	e.RawText = "some unrelated chatter"
	require.NoError(t, n.Normalize(e))
	assert.Equal(t, model.EventAnnouncement, e.Event, "no match defaults to announcement")
}

func TestNormalize_TruncatesRawText(t *testing.T) {
	n := newNormalizer()
	e := valid()
	e.RawText = strings.Repeat("x", model.MaxRawTextLen+500)
	require.NoError(t, n.Normalize(e))
	assert.Len(t, e.RawText, model.MaxRawTextLen)
}

func TestNormalize_TruncationCountsCharactersNotBytes(t *testing.T) {
	n := newNormalizer()

	// 4000 CJK characters are 12000 bytes but well under the character
	// cap: the text must survive untouched.
	e := valid()
	e.RawText = strings.Repeat("上", 4000)
	require.NoError(t, n.Normalize(e))
	assert.Equal(t, 4000, utf8.RuneCountInString(e.RawText))
	assert.True(t, utf8.ValidString(e.RawText))

	// Over the cap, the cut lands on a rune boundary.
	e = valid()
	e.RawText = strings.Repeat("上", model.MaxRawTextLen+50)
	require.NoError(t, n.Normalize(e))
	assert.Equal(t, model.MaxRawTextLen, utf8.RuneCountInString(e.RawText))
	assert.True(t, utf8.ValidString(e.RawText))
}
