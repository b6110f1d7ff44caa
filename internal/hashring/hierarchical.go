package hashring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// FallbackStrategy governs lookups whose preferred bucket (shard group,
// zone, or region) has no members.
type FallbackStrategy int

const (
	// FallbackAny falls through to the global region/zone/silo lookup.
	FallbackAny FallbackStrategy = iota

	// FallbackNearestRegion retargets the lookup at the region that is
	// the ring successor of the preferred region.
	FallbackNearestRegion

	// FallbackFail surfaces an error instead of picking elsewhere.
	FallbackFail
)

// String returns the fallback strategy name.
func (f FallbackStrategy) String() string {
	switch f {
	case FallbackAny:
		return "any"
	case FallbackNearestRegion:
		return "nearest-region"
	case FallbackFail:
		return "fail"
	default:
		return "unknown"
	}
}

// SiloLocation places a silo in the region/zone/shard-group hierarchy.
type SiloLocation struct {
	// SiloID is the silo identifier, unique cluster-wide.
	SiloID string

	// Region is the geographic region the silo runs in.
	Region string

	// Zone is the availability zone within the region.
	Zone string

	// ShardGroup optionally names an affinity group the silo serves.
	ShardGroup string
}

// Preference narrows a hierarchical lookup. Empty fields express no
// preference at that tier.
type Preference struct {
	Region     string
	Zone       string
	ShardGroup string
}

// hierView is the immutable snapshot of the three-tier ring state.
type hierView struct {
	// regions is a ring over region names.
	regions *ringView

	// zones maps a region to a ring over its zone names.
	zones map[string]*ringView

	// silos maps "region/zone" to a ring over member silo IDs.
	silos map[string]*ringView

	// shardGroups maps a group name to its sorted member silo IDs.
	shardGroups map[string][]string

	// locations maps each member silo to its placement.
	locations map[string]SiloLocation
}

var emptyHierView = &hierView{
	regions:     emptyView,
	zones:       make(map[string]*ringView),
	silos:       make(map[string]*ringView),
	shardGroups: make(map[string][]string),
	locations:   make(map[string]SiloLocation),
}

// HierConfig configures a hierarchical ring.
type HierConfig struct {
	// Hash is the ring hash function. Defaults to CRC32-C.
	Hash HashFunc

	// SiloVirtualNodes is the virtual node count at the silo tier; the
	// region tier uses a third of it and the zone tier half, since the
	// upper tiers have far fewer members to smooth over.
	SiloVirtualNodes int

	// Fallback governs lookups against empty preferred buckets.
	Fallback FallbackStrategy

	// ShardGroupsEnabled turns shard-group preferences on. When false,
	// a shard-group preference is ignored and the lookup proceeds by
	// region/zone.
	ShardGroupsEnabled bool
}

// DefaultHierConfig returns the standard hierarchical ring configuration.
func DefaultHierConfig() HierConfig {
	return HierConfig{
		Hash:               Hash,
		SiloVirtualNodes:   DefaultVirtualNodes,
		Fallback:           FallbackAny,
		ShardGroupsEnabled: true,
	}
}

// HierarchicalRing is a three-tier consistent hash ring: region, zone
// within region, silo within zone. It follows the same copy-on-write
// discipline as Ring: one writer lock, immutable snapshots, lock-free
// reads.
type HierarchicalRing struct {
	mu   sync.Mutex
	view atomic.Pointer[hierView]

	cfg HierConfig
}

// NewHierarchicalRing creates an empty hierarchical ring.
func NewHierarchicalRing(cfg HierConfig) *HierarchicalRing {
	if cfg.Hash == nil {
		cfg.Hash = Hash
	}
	if cfg.SiloVirtualNodes <= 0 {
		cfg.SiloVirtualNodes = DefaultVirtualNodes
	}

	h := &HierarchicalRing{cfg: cfg}
	h.view.Store(emptyHierView)

	return h
}

// tier virtual node counts derived from the silo tier count.
func (h *HierarchicalRing) regionVNodes() int {
	if n := h.cfg.SiloVirtualNodes / 3; n > 0 {
		return n
	}
	return 1
}

func (h *HierarchicalRing) zoneVNodes() int {
	if n := h.cfg.SiloVirtualNodes / 2; n > 0 {
		return n
	}
	return 1
}

// buildTier constructs a ring view over the given members with the given
// per-member virtual node count.
func (h *HierarchicalRing) buildTier(members []string, vnodes int) *ringView {
	type vnodeEntry struct {
		key   uint32
		owner string
	}

	entries := make([]vnodeEntry, 0, len(members)*vnodes)
	weights := make(map[string]int, len(members))
	for _, m := range members {
		weights[m] = vnodes
		for i := 0; i < vnodes; i++ {
			entries = append(entries, vnodeEntry{
				key:   h.cfg.Hash(fmt.Sprintf("%s:%d", m, i)),
				owner: m,
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].key != entries[j].key {
			return entries[i].key < entries[j].key
		}
		return entries[i].owner < entries[j].owner
	})

	view := &ringView{
		keys:    make([]uint32, len(entries)),
		owners:  make([]string, len(entries)),
		weights: weights,
	}
	for i, e := range entries {
		view.keys[i] = e.key
		view.owners[i] = e.owner
	}

	return view
}

// rebuild constructs a complete snapshot from the given locations. Callers
// must hold h.mu.
func (h *HierarchicalRing) rebuild(
	locations map[string]SiloLocation) *hierView {

	regionSet := make(map[string][]string)          // region -> zones
	zoneSilos := make(map[string][]string)          // region/zone -> silos
	shardGroups := make(map[string][]string)        // group -> silos
	zoneSeen := make(map[string]map[string]bool)    // region -> zone set

	for _, loc := range locations {
		if zoneSeen[loc.Region] == nil {
			zoneSeen[loc.Region] = make(map[string]bool)
		}
		if !zoneSeen[loc.Region][loc.Zone] {
			zoneSeen[loc.Region][loc.Zone] = true
			regionSet[loc.Region] = append(
				regionSet[loc.Region], loc.Zone,
			)
		}

		zk := loc.Region + "/" + loc.Zone
		zoneSilos[zk] = append(zoneSilos[zk], loc.SiloID)

		if loc.ShardGroup != "" {
			shardGroups[loc.ShardGroup] = append(
				shardGroups[loc.ShardGroup], loc.SiloID,
			)
		}
	}

	regions := make([]string, 0, len(regionSet))
	for region := range regionSet {
		regions = append(regions, region)
	}
	sort.Strings(regions)

	view := &hierView{
		regions:     h.buildTier(regions, h.regionVNodes()),
		zones:       make(map[string]*ringView, len(regionSet)),
		silos:       make(map[string]*ringView, len(zoneSilos)),
		shardGroups: shardGroups,
		locations:   locations,
	}

	for region, zones := range regionSet {
		sort.Strings(zones)
		view.zones[region] = h.buildTier(zones, h.zoneVNodes())
	}
	for zk, silos := range zoneSilos {
		sort.Strings(silos)
		view.silos[zk] = h.buildTier(
			silos, h.cfg.SiloVirtualNodes,
		)
	}
	for _, members := range shardGroups {
		sort.Strings(members)
	}

	return view
}

// AddSilo adds (or relocates) a silo in the hierarchy.
func (h *HierarchicalRing) AddSilo(loc SiloLocation) {
	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.view.Load()
	locations := make(map[string]SiloLocation, len(old.locations)+1)
	for id, l := range old.locations {
		locations[id] = l
	}
	locations[loc.SiloID] = loc

	h.view.Store(h.rebuild(locations))

	log.DebugS(context.Background(), "Silo added to hierarchical ring",
		"silo_id", loc.SiloID,
		"region", loc.Region,
		"zone", loc.Zone,
		"shard_group", loc.ShardGroup)
}

// RemoveSilo removes a silo from every tier.
func (h *HierarchicalRing) RemoveSilo(siloID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.view.Load()
	if _, ok := old.locations[siloID]; !ok {
		return
	}

	locations := make(map[string]SiloLocation, len(old.locations)-1)
	for id, l := range old.locations {
		if id != siloID {
			locations[id] = l
		}
	}

	h.view.Store(h.rebuild(locations))
}

// Location returns the recorded placement of a member silo.
func (h *HierarchicalRing) Location(siloID string) (SiloLocation, bool) {
	loc, ok := h.view.Load().locations[siloID]
	return loc, ok
}

// Lookup resolves a key to a silo honoring the given preference:
//
//  1. A shard-group preference (when enabled) picks a group member by
//     hash(key) modulo the member count.
//  2. A region+zone preference looks up directly in that zone's silo ring.
//  3. A region preference picks a zone within the region by ring
//     successor, then a silo within that zone.
//  4. Otherwise the lookup walks region ring, zone ring, silo ring, each
//     by successor.
//
// The configured FallbackStrategy governs behavior when a preferred bucket
// is empty.
func (h *HierarchicalRing) Lookup(key string, pref Preference) (string, error) {
	view := h.view.Load()
	keyHash := h.cfg.Hash(key)

	if h.cfg.ShardGroupsEnabled && pref.ShardGroup != "" {
		members := view.shardGroups[pref.ShardGroup]
		if len(members) > 0 {
			return members[int(keyHash)%len(members)], nil
		}

		silo, err := h.fallback(view, keyHash, pref,
			"shard group "+pref.ShardGroup)
		if err != nil {
			return "", err
		}
		return silo, nil
	}

	if pref.Region != "" && pref.Zone != "" {
		if silo, ok := h.siloInZone(
			view, pref.Region, pref.Zone, keyHash,
		); ok {
			return silo, nil
		}

		return h.fallback(view, keyHash, pref,
			"zone "+pref.Region+"/"+pref.Zone)
	}

	if pref.Region != "" {
		if silo, ok := h.siloInRegion(
			view, pref.Region, keyHash,
		); ok {
			return silo, nil
		}

		return h.fallback(view, keyHash, pref,
			"region "+pref.Region)
	}

	silo, ok := h.globalLookup(view, keyHash)
	if !ok {
		return "", ErrEmptyRing
	}

	return silo, nil
}

// siloInZone resolves a key within one zone's silo ring.
func (h *HierarchicalRing) siloInZone(view *hierView, region, zone string,
	keyHash uint32) (string, bool) {

	siloRing, ok := view.silos[region+"/"+zone]
	if !ok {
		return "", false
	}

	return siloRing.lookup(keyHash)
}

// siloInRegion picks a zone within the region by ring successor, then a
// silo within that zone.
func (h *HierarchicalRing) siloInRegion(view *hierView, region string,
	keyHash uint32) (string, bool) {

	zoneRing, ok := view.zones[region]
	if !ok {
		return "", false
	}

	zone, ok := zoneRing.lookup(keyHash)
	if !ok {
		return "", false
	}

	return h.siloInZone(view, region, zone, keyHash)
}

// globalLookup walks region, zone, silo by ring successor.
func (h *HierarchicalRing) globalLookup(view *hierView,
	keyHash uint32) (string, bool) {

	region, ok := view.regions.lookup(keyHash)
	if !ok {
		return "", false
	}

	return h.siloInRegion(view, region, keyHash)
}

// fallback applies the configured strategy after a preferred bucket turned
// out to be empty.
func (h *HierarchicalRing) fallback(view *hierView, keyHash uint32,
	pref Preference, bucket string) (string, error) {

	switch h.cfg.Fallback {
	case FallbackFail:
		return "", fmt.Errorf("%w: no silos in preferred %s",
			ErrEmptyRing, bucket)

	case FallbackNearestRegion:
		// Retarget at the region ring successor of the preferred
		// region name; with no region preference this degrades to
		// the global walk.
		anchor := keyHash
		if pref.Region != "" {
			anchor = h.cfg.Hash(pref.Region)
		}

		region, ok := view.regions.lookup(anchor)
		if !ok {
			return "", ErrEmptyRing
		}

		if silo, ok := h.siloInRegion(
			view, region, keyHash,
		); ok {
			return silo, nil
		}

		return "", fmt.Errorf("%w: nearest region %s has no silos",
			ErrEmptyRing, region)

	default: // FallbackAny
		silo, ok := h.globalLookup(view, keyHash)
		if !ok {
			return "", ErrEmptyRing
		}

		return silo, nil
	}
}

// Regions returns the sorted member regions.
func (h *HierarchicalRing) Regions() []string {
	view := h.view.Load()

	regions := make([]string, 0, len(view.zones))
	for region := range view.zones {
		regions = append(regions, region)
	}
	sort.Strings(regions)

	return regions
}

// Size returns the number of member silos across all tiers.
func (h *HierarchicalRing) Size() int {
	return len(h.view.Load().locations)
}
