package decode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	ConversationID string         `json:"conversationId"`
	Limit          int            `json:"limit"`
	BeforeSeq      int64          `json:"beforeSeq"`
	IDs            []string       `json:"ids"`
	Meta           map[string]any `json:"meta"`
}

func TestRawLooseConversions(t *testing.T) {
	v, err := Raw[sample]([]byte(`{"conversationId":"c1","limit":"20","beforeSeq":7,"ids":["a",2],"meta":"{\"k\":1}"}`))
	require.NoError(t, err)
	require.Equal(t, "c1", v.ConversationID)
	require.Equal(t, 20, v.Limit)
	require.EqualValues(t, 7, v.BeforeSeq)
	require.Equal(t, []string{"a", "2"}, v.IDs)
	require.EqualValues(t, 1, v.Meta["k"])
}

func TestRawErrors(t *testing.T) {
	_, err := Raw[sample](nil)
	require.Error(t, err)
	_, err = Raw[sample]([]byte(`[1,2]`))
	require.Error(t, err)

	_, err = Raw[sample]([]byte(`{"unknown":1}`), Options{ErrorUnused: true})
	require.Error(t, err)
}
