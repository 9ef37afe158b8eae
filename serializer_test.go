package zestbay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonxah/zestbay/backend"
	"github.com/lemonxah/zestbay/graph"
)

func TestSessionRoundTrip(t *testing.T) {
	h1, srv1 := newTestHost(t)
	disp := h1.GetDispatcher()

	speakers := srv1.AddDevice("speakers", "Speakers", graph.NodeSink, graph.MediaAudio, []string{"in"}, nil)
	waitUntil(t, func() bool {
		return len(h1.Graph().NodePorts(speakers, graph.DirectionInput)) == 1
	}, "device ports mirrored")

	inst, err := disp.AddPlugin(AddPluginData{Format: backend.FormatCLAP, URI: "org.zest.gain"})
	require.NoError(t, err)
	require.NoError(t, disp.SetParameter(inst.ID, 2, 1.5))
	require.NoError(t, disp.SetBypass(inst.ID, true))

	waitUntil(t, func() bool {
		return len(h1.Graph().NodePorts(inst.NodeID, graph.DirectionOutput)) == 1
	}, "plugin ports mirrored")

	out, ok := h1.Graph().FindPortByName(inst.NodeID, "out", graph.DirectionOutput)
	require.True(t, ok)
	in, ok := h1.Graph().FindPortByName(speakers, "in", graph.DirectionInput)
	require.True(t, ok)
	link, err := disp.Connect(out.ID, in.ID)
	require.NoError(t, err)
	require.NotZero(t, link.ID)
	waitUntil(t, func() bool {
		_, ok := h1.Graph().Link(link.ID)
		return ok
	}, "link mirrored")

	changed, err := h1.Learn(link.ID)
	require.NoError(t, err)
	require.True(t, changed)

	session := h1.GetSerializer().GetState()
	assert.Equal(t, "1.0.0", session.Version)
	require.Len(t, session.Plugins, 1)
	assert.Equal(t, "Gain", session.Plugins[0].DisplayName)
	assert.True(t, session.Plugins[0].Bypass)
	require.Len(t, session.Plugins[0].Parameters, 1)
	assert.InDelta(t, 1.5, session.Plugins[0].Parameters[0].Value, 1e-9)
	require.Len(t, session.Links, 1)
	assert.Equal(t, "Gain", session.Links[0].OutputNode)
	assert.Equal(t, "Speakers", session.Links[0].InputNode)
	require.Len(t, session.Rules, 1)

	js, err := h1.GetSerializer().SaveToJSON()
	require.NoError(t, err)

	// Restore into a fresh host whose graph has the same sink
	h2, srv2 := newTestHost(t)
	sp2 := srv2.AddDevice("speakers", "Speakers", graph.NodeSink, graph.MediaAudio, []string{"in"}, nil)
	waitUntil(t, func() bool {
		return len(h2.Graph().NodePorts(sp2, graph.DirectionInput)) == 1
	}, "device ports mirrored")

	require.NoError(t, h2.GetSerializer().LoadFromJSON(js))

	instances := h2.Instances()
	require.Len(t, instances, 1)
	assert.Equal(t, "Gain", instances[0].DisplayName)
	assert.True(t, instances[0].Backend().Bypassed())
	params := instances[0].Backend().Parameters()
	require.Len(t, params, 1)
	assert.InDelta(t, 1.5, params[0].Value, 1e-9)

	waitUntil(t, func() bool {
		return len(srv2.Links()) == 1
	}, "session link recreated")
	assert.Equal(t, 1, h2.Rules().Len())
}

func TestSetStateRejectsWrongVersion(t *testing.T) {
	h, _ := newTestHost(t)
	err := h.GetSerializer().SetState(Session{Version: "0.9.0"})
	require.Error(t, err)
}

func TestSetStateSkipsMissingEndpoints(t *testing.T) {
	h, srv := newTestHost(t)

	session := Session{
		Version: "1.0.0",
		Links: []SessionLink{
			{OutputNode: "Ghost", OutputPort: "out", InputNode: "Nowhere", InputPort: "in"},
		},
	}
	require.NoError(t, h.GetSerializer().SetState(session))
	assert.Empty(t, srv.Links())
}

func TestValidateState(t *testing.T) {
	h, _ := newTestHost(t)
	s := h.GetSerializer()

	valid := Session{
		Version: s.GetVersion(),
		Plugins: []SessionPlugin{
			{Format: backend.FormatCLAP, URI: "org.zest.gain", DisplayName: "Gain"},
		},
		Links: []SessionLink{
			{OutputNode: "Gain", OutputPort: "out", InputNode: "Speakers", InputPort: "in"},
		},
	}

	t.Run("Valid", func(t *testing.T) {
		require.NoError(t, s.ValidateState(valid))
	})

	t.Run("WrongVersion", func(t *testing.T) {
		bad := valid
		bad.Version = "2.0.0"
		require.Error(t, s.ValidateState(bad))
	})

	t.Run("EmptyURI", func(t *testing.T) {
		bad := valid
		bad.Plugins = []SessionPlugin{{DisplayName: "Gain"}}
		require.Error(t, s.ValidateState(bad))
	})

	t.Run("DuplicateDisplayName", func(t *testing.T) {
		bad := valid
		bad.Plugins = []SessionPlugin{
			{Format: backend.FormatCLAP, URI: "a", DisplayName: "Gain"},
			{Format: backend.FormatCLAP, URI: "b", DisplayName: "Gain"},
		}
		require.Error(t, s.ValidateState(bad))
	})

	t.Run("EmptyLinkEndpoint", func(t *testing.T) {
		bad := valid
		bad.Links = []SessionLink{{OutputNode: "Gain"}}
		require.Error(t, s.ValidateState(bad))
	})
}

func TestIsCompatible(t *testing.T) {
	h, _ := newTestHost(t)
	s := h.GetSerializer()
	assert.True(t, s.IsCompatible(s.GetVersion()))
	assert.False(t, s.IsCompatible("0.1.0"))
}
