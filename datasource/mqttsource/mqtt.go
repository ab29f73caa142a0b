// Package mqttsource adapts an MQTT broker into the C2 data-source contract
// (design §4.3) using github.com/eclipse/paho.mqtt.golang. It maintains a
// topic-to-latest-record cache, synthesizes one namespace and one ObjectType
// per distinct topic (schema inferred from the latest payload via
// types.BuildSchema), and derives HasChildren/HasParent edges from topic
// path prefixes. History is unsupported: the broker gives us only the latest
// retained state per topic, never a timeline.
package mqttsource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bittoy/i3x/datasource"
	"github.com/bittoy/i3x/types"
	"github.com/bittoy/i3x/utils/maps"
)

func init() {
	datasource.Registry.Register("mqtt", func(config map[string]any) (types.DataSource, error) {
		var cfg Configuration
		if err := maps.Map2Struct(config, &cfg); err != nil {
			return nil, err
		}
		return New(cfg), nil
	})
}

// Configuration decodes the {type: mqtt, config: {...}} entry.
type Configuration struct {
	Broker  string   `json:"broker"`
	Topics  []string `json:"topics"`
	// Excluded lists topic patterns with '*' as a single-segment wildcard
	// and prefix-hierarchy exclusion: "a/b" excludes "a/b", "a/b/c", and
	// everything beneath, per design §4.3.
	Excluded []string `json:"excluded"`
	ClientId string   `json:"clientId"`
	QoS      byte     `json:"qos"`
}

const namespaceUri = "urn:i3x:mqtt"

type topicEntry struct {
	elementId string
	schema    map[string]any
	value     any
}

// Source is the MQTT adapter data source.
type Source struct {
	cfg    Configuration
	logger types.Logger
	client mqtt.Client

	mu      sync.RWMutex
	topics  map[string]*topicEntry // by original topic string
	byElem  map[string]string      // elementId -> topic

	onUpdate types.UpdateFunc
	started  bool
}

// New builds an MQTT adapter. The client is not connected until Start.
func New(cfg Configuration) *Source {
	return &Source{
		cfg:    cfg,
		logger: types.DefaultLogger(),
		topics: map[string]*topicEntry{},
		byElem: map[string]string{},
	}
}

func topicToElementId(topic string) string {
	return strings.ReplaceAll(topic, "/", "_")
}

// excluded reports whether topic matches any pattern in the configured
// exclusion list, under prefix-hierarchy + '*' single-segment wildcard
// matching (design §4.3).
func excluded(topic string, patterns []string) bool {
	topicSegs := strings.Split(topic, "/")
	for _, pattern := range patterns {
		patternSegs := strings.Split(pattern, "/")
		if len(topicSegs) < len(patternSegs) {
			continue
		}
		match := true
		for i, seg := range patternSegs {
			if seg != "*" && seg != topicSegs[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func (s *Source) Start(ctx context.Context, onUpdate types.UpdateFunc) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.onUpdate = onUpdate
	s.mu.Unlock()

	opts := mqtt.NewClientOptions()
	if s.cfg.Broker != "" {
		opts.AddBroker(s.cfg.Broker)
	}
	clientId := s.cfg.ClientId
	if clientId == "" {
		clientId = "i3x-mqttsource"
	}
	opts.SetClientID(clientId)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return types.Wrap(types.KindConnect, "mqtt connect failed", err)
	}

	qos := s.cfg.QoS
	for _, topic := range s.cfg.Topics {
		t := topic
		sub := client.Subscribe(t, qos, func(c mqtt.Client, msg mqtt.Message) {
			s.handleMessage(msg.Topic(), msg.Payload())
		})
		sub.Wait()
		if err := sub.Error(); err != nil {
			s.logger.Printf("mqttsource: subscribe %s failed: %v", t, err)
		}
	}

	s.mu.Lock()
	s.client = client
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *Source) handleMessage(topic string, payload []byte) {
	if excluded(topic, s.cfg.Excluded) {
		return
	}
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		value = string(payload)
	}
	elementId := topicToElementId(topic)
	schema := types.BuildSchema(value)

	s.mu.Lock()
	s.topics[topic] = &topicEntry{elementId: elementId, schema: schema, value: value}
	s.byElem[elementId] = topic
	cb := s.onUpdate
	s.mu.Unlock()

	inst, err := s.instanceForTopic(topic)
	if err != nil {
		return
	}
	rec := types.Record{Value: value, Quality: types.QualityGood, Timestamp: time.Now().UTC()}
	if cb != nil {
		safeDispatch(s.logger, cb, inst, rec)
	}
}

func safeDispatch(logger types.Logger, cb types.UpdateFunc, inst types.ObjectInstance, rec types.Record) {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("mqttsource: onUpdate panic recovered: %v", r)
		}
	}()
	cb(inst, rec)
}

func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	if s.client != nil {
		s.client.Disconnect(250)
	}
	s.started = false
	return nil
}

func (s *Source) ListNamespaces(ctx context.Context) ([]types.Namespace, error) {
	return []types.Namespace{{URI: namespaceUri, DisplayName: "MQTT"}}, nil
}

func (s *Source) ListObjectTypes(ctx context.Context, nsUri string) ([]types.ObjectType, error) {
	if nsUri != "" && nsUri != namespaceUri {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ObjectType, 0, len(s.topics))
	for topic, entry := range s.topics {
		out = append(out, s.objectTypeFor(topic, entry))
	}
	return out, nil
}

func (s *Source) objectTypeFor(topic string, entry *topicEntry) types.ObjectType {
	return types.ObjectType{
		ElementId:    typeIdForTopic(topic),
		DisplayName:  topic,
		NamespaceUri: namespaceUri,
		Schema:       entry.schema,
	}
}

func typeIdForTopic(topic string) string {
	return "type-" + topicToElementId(topic)
}

func (s *Source) GetObjectType(ctx context.Context, elementId string) (types.ObjectType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for topic, entry := range s.topics {
		if typeIdForTopic(topic) == elementId {
			return s.objectTypeFor(topic, entry), nil
		}
	}
	return types.ObjectType{}, types.NewError(types.KindNotFound, "no such object type: "+elementId)
}

func (s *Source) ListRelationshipTypes(ctx context.Context, nsUri string) ([]types.RelationshipType, error) {
	if nsUri != "" && nsUri != namespaceUri {
		return nil, nil
	}
	return []types.RelationshipType{
		{ElementId: types.RelHasChildren, DisplayName: "Has Children", NamespaceUri: namespaceUri, ReverseOf: types.RelHasParent},
		{ElementId: types.RelHasParent, DisplayName: "Has Parent", NamespaceUri: namespaceUri, ReverseOf: types.RelHasChildren},
	}, nil
}

func (s *Source) GetRelationshipType(ctx context.Context, elementId string) (types.RelationshipType, error) {
	relTypes, _ := s.ListRelationshipTypes(ctx, "")
	for _, t := range relTypes {
		if t.ElementId == elementId {
			return t, nil
		}
	}
	return types.RelationshipType{}, types.NewError(types.KindNotFound, "no such relationship type: "+elementId)
}

// isDirectChild reports whether child is exactly one path segment below
// parent (design §4.3's "direct-child match").
func isDirectChild(parent, child string) bool {
	if !strings.HasPrefix(child, parent+"/") {
		return false
	}
	rest := strings.TrimPrefix(child, parent+"/")
	return !strings.Contains(rest, "/")
}

func (s *Source) instanceForTopic(topic string) (types.ObjectInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.topics[topic]
	if !ok {
		return types.ObjectInstance{}, types.NewError(types.KindNotFound, "no such topic: "+topic)
	}
	rel := map[string]types.RelationList{}
	var children []string
	parentId := types.RootElementId
	for other := range s.topics {
		if other == topic {
			continue
		}
		if isDirectChild(topic, other) {
			children = append(children, topicToElementId(other))
		}
		if isDirectChild(other, topic) {
			parentId = topicToElementId(other)
			rel[types.RelHasParent] = types.NewRelationSingle(parentId)
		}
	}
	if len(children) > 0 {
		rel[types.RelHasChildren] = types.NewRelationList(children...)
	}
	return types.ObjectInstance{
		ElementId:     entry.elementId,
		DisplayName:   topic,
		NamespaceUri:  namespaceUri,
		TypeId:        typeIdForTopic(topic),
		ParentId:      parentId,
		IsComposition: false,
		Relationships: rel,
	}, nil
}

func (s *Source) ListInstances(ctx context.Context, typeId string) ([]types.ObjectInstance, error) {
	s.mu.RLock()
	topics := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		topics = append(topics, topic)
	}
	s.mu.RUnlock()

	out := make([]types.ObjectInstance, 0, len(topics))
	for _, topic := range topics {
		if typeId != "" && typeIdForTopic(topic) != typeId {
			continue
		}
		inst, err := s.instanceForTopic(topic)
		if err != nil {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

func (s *Source) topicForElementId(elementId string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topic, ok := s.byElem[elementId]
	return topic, ok
}

func (s *Source) GetInstance(ctx context.Context, elementId string, withRecords bool) (types.ObjectInstance, error) {
	topic, ok := s.topicForElementId(elementId)
	if !ok {
		return types.ObjectInstance{}, types.NewError(types.KindNotFound, "no such instance: "+elementId)
	}
	inst, err := s.instanceForTopic(topic)
	if err != nil {
		return types.ObjectInstance{}, err
	}
	if withRecords {
		s.mu.RLock()
		entry := s.topics[topic]
		s.mu.RUnlock()
		if entry != nil {
			inst.Records = []types.Record{{Value: entry.value, Quality: types.QualityGood, Timestamp: time.Now().UTC()}}
		}
	}
	return inst, nil
}

func (s *Source) GetRelatedInstances(ctx context.Context, elementId string, relationshipType string) ([]types.ObjectInstance, error) {
	topic, ok := s.topicForElementId(elementId)
	if !ok {
		return nil, types.NewError(types.KindNotFound, "no such instance: "+elementId)
	}
	inst, err := s.instanceForTopic(topic)
	if err != nil {
		return nil, err
	}
	var ids []string
	for name, rel := range inst.Relationships {
		if relationshipType == "" || strings.EqualFold(name, relationshipType) {
			ids = append(ids, rel.Ids...)
		}
	}
	out := make([]types.ObjectInstance, 0, len(ids))
	for _, id := range ids {
		relTopic, ok := s.topicForElementId(id)
		if !ok {
			continue
		}
		relInst, err := s.instanceForTopic(relTopic)
		if err == nil {
			out = append(out, relInst)
		}
	}
	return out, nil
}

// GetValues has no composition edges to recurse over (MQTT synthesizes only
// HasChildren/HasParent, never HasComponent), so it is always a plain
// head/range projection of the one topic's cached record.
func (s *Source) GetValues(ctx context.Context, elementId string, start, end time.Time, maxDepth int, returnHistory bool) (any, error) {
	topic, ok := s.topicForElementId(elementId)
	if !ok {
		return nil, types.NewError(types.KindNotFound, "no such instance: "+elementId)
	}
	if !start.IsZero() || !end.IsZero() || returnHistory {
		// A retained-latest cache has no timeline to range over.
		return nil, types.NewError(types.KindUnsupported, "mqttsource does not retain history")
	}
	s.mu.RLock()
	entry := s.topics[topic]
	s.mu.RUnlock()
	if entry == nil {
		return nil, nil
	}
	return map[string]any{
		"value":     entry.value,
		"quality":   string(types.QualityGood),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (s *Source) UpdateValue(ctx context.Context, elementId string, newValue any) (types.WriteResult, error) {
	topic, ok := s.topicForElementId(elementId)
	if !ok {
		return types.WriteResult{ElementId: elementId, Success: false, Message: "not found"},
			types.NewError(types.KindNotFound, "no such instance: "+elementId)
	}
	s.mu.RLock()
	entry := s.topics[topic]
	client := s.client
	s.mu.RUnlock()
	if entry != nil {
		if _, err := types.ValidateAndCoerce(entry.value, newValue); err != nil {
			return types.WriteResult{ElementId: elementId, Success: false, Message: err.Error()},
				types.NewError(types.KindValidation, fmt.Sprintf("shape mismatch: %v", err))
		}
	}
	payload, err := json.Marshal(newValue)
	if err != nil {
		return types.WriteResult{ElementId: elementId, Success: false, Message: err.Error()},
			types.NewError(types.KindValidation, "cannot encode write value")
	}
	if client == nil {
		return types.WriteResult{ElementId: elementId, Success: false, Message: "not connected"},
			types.NewError(types.KindConnect, "mqtt client not connected")
	}
	token := client.Publish(topic, s.cfg.QoS, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return types.WriteResult{ElementId: elementId, Success: false, Message: err.Error()},
			types.Wrap(types.KindTransient, "mqtt publish failed", err)
	}
	return types.WriteResult{ElementId: elementId, Success: true}, nil
}

func (s *Source) ListAllInstances(ctx context.Context) ([]types.ObjectInstance, error) {
	return s.ListInstances(ctx, "")
}
