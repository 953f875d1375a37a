package wire

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nettable/internal/errs"
	"github.com/roach88/nettable/internal/topic"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestEncodeText_ControlBatch(t *testing.T) {
	pubuid := int64(1)
	props := topic.Properties{topic.PropPersistent: true}
	msgs := []Message{
		MustMessage(MethodHello, Hello{Version: ProtocolVersion, Identity: "robot"}),
		MustMessage(MethodPublish, Publish{Name: "/drive/speed", PubUID: 1, Type: "double", Properties: props}),
		MustMessage(MethodSubscribe, Subscribe{Topics: []string{"/drive/"}, SubUID: 2, Options: SubscribeOptions{All: true, Prefix: true}}),
		MustMessage(MethodAnnounce, Announce{Name: "/drive/speed", ID: 7, Type: "double", PubUID: &pubuid, Properties: props}),
		MustMessage(MethodProperties, Properties{Name: "/drive/speed", Ack: true, Update: map[string]any{"unit": "m/s"}}),
		MustMessage(MethodUnannounce, Unannounce{Name: "/drive/speed", ID: 7}),
		MustMessage(MethodClose, Close{Reason: "shutdown"}),
	}

	data, err := EncodeText(msgs)
	require.NoError(t, err)
	newGoldie(t).Assert(t, "control_batch", data)
}

func TestEncodeText_ClientTeardown(t *testing.T) {
	msgs := []Message{
		MustMessage(MethodSetProperties, SetProperties{Name: "/a", Update: map[string]any{topic.PropRetained: nil}}),
		MustMessage(MethodUnsubscribe, Unsubscribe{SubUID: 2}),
		MustMessage(MethodUnpublish, Unpublish{PubUID: 1}),
	}

	data, err := EncodeText(msgs)
	require.NoError(t, err)
	newGoldie(t).Assert(t, "client_teardown", data)
}

func TestDecodeText_RoundTrip(t *testing.T) {
	data, err := EncodeText([]Message{
		MustMessage(MethodPublish, Publish{Name: "/x", PubUID: 3, Type: "int[]"}),
		MustMessage(MethodAnnounce, Announce{Name: "/x", ID: 9, Type: "int[]"}),
	})
	require.NoError(t, err)

	msgs, err := DecodeText(data)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	var pub Publish
	require.NoError(t, msgs[0].Decode(&pub))
	assert.Equal(t, "/x", pub.Name)
	assert.Equal(t, int64(3), pub.PubUID)
	assert.Equal(t, "int[]", pub.Type)
	assert.NotNil(t, pub.Properties, "nil properties encode as {}")

	var ann Announce
	require.NoError(t, msgs[1].Decode(&ann))
	assert.Equal(t, int64(9), ann.ID)
	assert.Nil(t, ann.PubUID)
}

func TestDecodeText_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"object", `{"method":"hello"}`},
		{"garbage", `[{"method":`},
		{"unknown method", `[{"method":"explode","params":{}}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeText([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errs.IsProtocolViolation(err))
		})
	}
}

func TestMessageDecode_BadParams(t *testing.T) {
	msgs, err := DecodeText([]byte(`[{"method":"publish","params":{"pubuid":"one"}},{"method":"close"}]`))
	require.NoError(t, err)

	var pub Publish
	assert.True(t, errs.IsProtocolViolation(msgs[0].Decode(&pub)))
	var c Close
	assert.True(t, errs.IsProtocolViolation(msgs[1].Decode(&c)))
}

func TestCheckVersion(t *testing.T) {
	for _, v := range []string{ProtocolVersion, "1.1", "1"} {
		assert.NoError(t, CheckVersion(v), v)
	}
	for _, v := range []string{"", "2.0", "0.9", "v1.0"} {
		err := CheckVersion(v)
		assert.True(t, errs.IsProtocolViolation(err), "%q: %v", v, err)
	}
}
