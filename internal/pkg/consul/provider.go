package consul

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/scribe/internal/pkg/extractor"
	"github.com/hashicorp/consul/api"
	"go.uber.org/multierr"
)

const (
	apiURLKey    = "apiURL"
	isHTTPSSLKey = "HTTPSSL"
	priorityKey  = "priority"
)

// NewExtractorFunc creates extractor for the discovered instance URL
type NewExtractorFunc func(apiURL string) (extractor.Extractor, error)

// Provider keeps extractor instances registered in consul
type Provider struct {
	consul  *api.Client
	srvName string
	newFunc NewExtractorFunc

	lock *sync.RWMutex
	exts []*extWrap
}

type extWrap struct {
	real     extractor.Extractor
	srv      string
	key      string
	priority float64
}

// NewProvider creates consul based extractor provider
func NewProvider(cfg *api.Config, srvNameInConsul string, newFunc NewExtractorFunc) (*Provider, error) {
	c, err := api.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if srvNameInConsul == "" {
		return nil, fmt.Errorf("no srv name")
	}
	if newFunc == nil {
		return nil, fmt.Errorf("no extractor func")
	}
	return newProvider(c, srvNameInConsul, newFunc), nil
}

func newProvider(c *api.Client, srvNameInConsul string, newFunc NewExtractorFunc) *Provider {
	goapp.Log.Info().Str("service", srvNameInConsul).Msg("cfg: srv name in consul")
	return &Provider{consul: c, srvName: srvNameInConsul, newFunc: newFunc, lock: &sync.RWMutex{},
		exts: make([]*extWrap, 0)}
}

// Get returns extractor by srv name. If allowNew, any instance is selected randomly by priority
// when srv is not found
func (c *Provider) Get(srv string, allowNew bool) (extractor.Extractor, string, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	for _, t := range c.exts {
		if t.srv == srv {
			return t.real, t.srv, nil
		}
	}
	if !allowNew {
		return nil, "", fmt.Errorf("no active srv `%s`", srv)
	}
	if len(c.exts) == 0 {
		return nil, "", fmt.Errorf("no extractor instances")
	}
	if len(c.exts) == 1 {
		t := c.exts[0]
		return t.real, t.srv, nil
	}
	i, err := getRandomByPriority(c.exts, rand.Float64())
	if err != nil {
		return nil, "", fmt.Errorf("can't select extractor: %w", err)
	}
	t := c.exts[i]
	return t.real, t.srv, nil
}

func getRandomByPriority(wraps []*extWrap, rnd float64) (int, error) {
	prMax := 0.0
	for _, tr := range wraps {
		prMax += tr.priority
	}
	if prMax < 0.1 {
		return 0, fmt.Errorf("wrong priority sum found %f", prMax)
	}
	rnd *= prMax
	prMax = 0.0
	for i, tr := range wraps {
		prMax += tr.priority
		if prMax > rnd {
			return i, nil
		}
	}
	return len(wraps) - 1, nil
}

// StartRegistryLoop checks consul every checkInterval
func (c *Provider) StartRegistryLoop(ctx context.Context, checkInterval time.Duration) (<-chan struct{}, error) {
	goapp.Log.Info().Msgf("Starting consul service check every %v", checkInterval)
	res := make(chan struct{}, 2)
	go func() {
		defer close(res)
		c.serviceLoop(ctx, checkInterval)
	}()
	return res, nil
}

func (c *Provider) serviceLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	// run on startup
	if err := c.check(ctx); err != nil {
		goapp.Log.Error().Err(err).Send()
	}
	for {
		select {
		case <-ticker.C:
			if err := c.check(ctx); err != nil {
				goapp.Log.Error().Err(err).Send()
			}
		case <-ctx.Done():
			ticker.Stop()
			goapp.Log.Info().Msgf("Stopped consul timer service")
			return
		}
	}
}

func (c *Provider) check(ctx context.Context) error {
	ctxInt, cf := context.WithTimeout(ctx, time.Second*5)
	defer cf()
	srvs, _, err := c.consul.Health().Service(c.srvName, "", true, (&api.QueryOptions{}).WithContext(ctxInt))
	if err != nil {
		return fmt.Errorf("can't invoke consul: %w", err)
	}
	return c.updateSrv(srvs)
}

func (c *Provider) updateSrv(srvs []*api.ServiceEntry) error {
	goapp.Log.Debug().Msgf("got %d services from consul", len(srvs))
	c.lock.Lock()
	defer c.lock.Unlock()
	ms := map[string]*api.ServiceEntry{}
	for _, s := range srvs {
		ms[key(s)] = s
	}
	kept := []*extWrap{}
	for _, s := range c.exts {
		if v, ok := ms[s.srv]; ok && s.key == fullKey(v) {
			kept = append(kept, s)
			delete(ms, s.srv)
			continue
		}
		goapp.Log.Warn().Str("service", s.srv).Msgf("dropped extractor")
	}
	if len(kept) == len(c.exts) && len(ms) == 0 {
		return nil
	}
	c.exts = kept
	var err error
	for v, k := range ms {
		tr, errInt := c.newWrap(v, k)
		if errInt != nil {
			err = multierr.Append(err, errInt)
			continue
		}
		c.exts = append(c.exts, tr)
		goapp.Log.Info().Str("service", v).Float64("priority", tr.priority).Msg("added extractor")
	}
	return err
}

func (c *Provider) newWrap(v string, s *api.ServiceEntry) (*extWrap, error) {
	u := getURL(s, apiURLKey)
	if u == "" {
		return nil, fmt.Errorf("no %s for %s", apiURLKey, v)
	}
	priority, err := getPriority(s)
	if err != nil {
		return nil, fmt.Errorf("can't init extractor for %s: %w", v, err)
	}
	tr, err := c.newFunc(u)
	if err != nil {
		return nil, fmt.Errorf("can't init extractor for %s: %w", v, err)
	}
	return &extWrap{real: tr, srv: v, key: fullKey(s), priority: priority}, nil
}

func getPriority(s *api.ServiceEntry) (float64, error) {
	v, ok := s.Service.Meta[priorityKey]
	if !ok {
		return 1, nil
	}
	res, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("can't parse priority '%s': %w", v, err)
	}
	if res < 0.5 || res > 50 {
		return 0, fmt.Errorf("wrong priority value '%f', not in [0.5, 50]", res)
	}
	return res, nil
}

func getURL(s *api.ServiceEntry, key string) string {
	v, ok := s.Service.Meta[key]
	if !ok {
		return ""
	}
	ssl := ""
	if isSSL, ok := s.Service.Meta[isHTTPSSLKey]; ok {
		if boolValue, err := strconv.ParseBool(isSSL); err == nil && boolValue {
			ssl = "s"
		}
	}
	return fmt.Sprintf("http%s://%s:%d/%s", ssl, s.Service.Address, s.Service.Port, strings.TrimPrefix(v, "/"))
}

func key(s *api.ServiceEntry) string {
	return fmt.Sprintf("%s:%d", s.Service.Address, s.Service.Port)
}

func fullKey(s *api.ServiceEntry) string {
	res := strings.Builder{}
	for _, key := range [...]string{apiURLKey, isHTTPSSLKey, priorityKey} {
		v, ok := s.Service.Meta[key]
		if ok {
			res.WriteString(key + ":" + v + ",")
		}
	}
	return res.String()
}
