package consul

import (
	"fmt"
	"testing"

	"github.com/airenas/scribe/internal/pkg/extractor"
	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testExtractor struct {
	extractor.Extractor
	url string
}

func newTestProvider() *Provider {
	return newProvider(nil, "extractor", func(u string) (extractor.Extractor, error) {
		return &testExtractor{url: u}, nil
	})
}

func entry(port int, meta map[string]string) *api.ServiceEntry {
	return &api.ServiceEntry{Service: &api.AgentService{Service: "olia", Port: port, Address: "srv", Meta: meta}}
}

func Test_Get_empty(t *testing.T) {
	p := newTestProvider()
	tr, name, err := p.Get("olia", true)
	assert.Nil(t, tr)
	assert.Equal(t, "", name)
	assert.NotNil(t, err)
	_, _, err = p.Get("olia", false)
	assert.NotNil(t, err)
}

func Test_Get_existing(t *testing.T) {
	p := newTestProvider()
	tr := &testExtractor{}
	p.exts = append(p.exts, &extWrap{real: tr, srv: "olia", priority: 1})
	rtr, name, err := p.Get("olia", true)
	testAssertEqPtr(t, tr, rtr)
	assert.Equal(t, "olia", name)
	assert.Nil(t, err)
	rtr, name, err = p.Get("olia1", true)
	testAssertEqPtr(t, tr, rtr)
	assert.Equal(t, "olia", name)
	assert.Nil(t, err)
	rtr, _, err = p.Get("olia1", false)
	assert.Nil(t, rtr)
	assert.NotNil(t, err)
}

func Test_Get_by_name(t *testing.T) {
	p := newTestProvider()
	tr := &testExtractor{}
	tr1 := &testExtractor{}
	p.exts = append(p.exts, &extWrap{real: tr, srv: "olia", priority: 1})
	p.exts = append(p.exts, &extWrap{real: tr1, srv: "olia1", priority: 1})
	for i := 0; i < 5; i++ {
		rtr, name, _ := p.Get("olia", true)
		testAssertEqPtr(t, tr, rtr)
		assert.Equal(t, "olia", name)
		rtr, name, _ = p.Get("olia1", false)
		testAssertEqPtr(t, tr1, rtr)
		assert.Equal(t, "olia1", name)
	}
}

func Test_getRandomByPriority(t *testing.T) {
	w := []*extWrap{{priority: 1}, {priority: 3}}
	i, err := getRandomByPriority(w, 0.1)
	assert.Nil(t, err)
	assert.Equal(t, 0, i)
	i, _ = getRandomByPriority(w, 0.3)
	assert.Equal(t, 1, i)
	i, _ = getRandomByPriority(w, 0.99)
	assert.Equal(t, 1, i)
	_, err = getRandomByPriority([]*extWrap{{priority: 0}}, 0.5)
	assert.NotNil(t, err)
}

func testAssertEqPtr(t *testing.T, tr, exp extractor.Extractor) {
	t.Helper()
	assert.Equal(t, fmt.Sprintf("%p", tr), fmt.Sprintf("%p", exp))
}

func TestProvider_updateSrv_no_meta(t *testing.T) {
	p := newTestProvider()
	err := p.updateSrv([]*api.ServiceEntry{entry(80, map[string]string{})})
	assert.NotNil(t, err)
	assert.Equal(t, 0, len(p.exts))
}

func TestProvider_updateSrv_wrongPriority(t *testing.T) {
	p := newTestProvider()
	err := p.updateSrv([]*api.ServiceEntry{entry(80, map[string]string{"apiURL": "/", "priority": "100"})})
	assert.NotNil(t, err)
}

func TestProvider_updateSrv_adds(t *testing.T) {
	p := newTestProvider()
	err := p.updateSrv([]*api.ServiceEntry{entry(80, map[string]string{"apiURL": "api/", "HTTPSSL": "true"})})
	require.Nil(t, err)
	require.Equal(t, 1, len(p.exts))
	assert.Equal(t, "https://srv:80/api/", p.exts[0].real.(*testExtractor).url)
}

func TestProvider_updateSrv_addsSame(t *testing.T) {
	p := newTestProvider()
	err := p.updateSrv([]*api.ServiceEntry{entry(80, map[string]string{"apiURL": "/"})})
	assert.Nil(t, err)
	cp := p.exts[0]
	err = p.updateSrv([]*api.ServiceEntry{entry(80, map[string]string{"apiURL": "/"})})
	assert.Nil(t, err)
	assert.Equal(t, 1, len(p.exts))
	assert.Equal(t, cp, p.exts[0])
}

func TestProvider_updateSrv_updates(t *testing.T) {
	p := newTestProvider()
	err := p.updateSrv([]*api.ServiceEntry{entry(80, map[string]string{"apiURL": "/"})})
	assert.Nil(t, err)
	cp := p.exts[0]
	err = p.updateSrv([]*api.ServiceEntry{entry(80, map[string]string{"apiURL": "/v2"})})
	assert.Nil(t, err)
	assert.Equal(t, 1, len(p.exts))
	assert.NotEqual(t, cp, p.exts[0])
}

func TestProvider_updateSrv_drops(t *testing.T) {
	p := newTestProvider()
	err := p.updateSrv([]*api.ServiceEntry{entry(80, map[string]string{"apiURL": "/"}),
		entry(81, map[string]string{"apiURL": "/"}), entry(82, map[string]string{"apiURL": "/"})})
	assert.Nil(t, err)
	assert.Equal(t, 3, len(p.exts))
	err = p.updateSrv([]*api.ServiceEntry{entry(82, map[string]string{"apiURL": "/"}),
		entry(80, map[string]string{"apiURL": "/"})})
	assert.Nil(t, err)
	assert.Equal(t, 2, len(p.exts))
	assert.ElementsMatch(t, []string{"srv:80", "srv:82"}, []string{p.exts[0].srv, p.exts[1].srv})
}
