package lib

import (
	"container/list"
	"sync"
)

// Process-wide registry of live outbounds. An outbound appears here
// exactly once between construction and its transition to closed; the
// registry holds no ownership.
var allOutbounds = struct {
	mu    sync.Mutex
	list  *list.List
	elems map[Outbound]*list.Element
}{
	list:  list.New(),
	elems: make(map[Outbound]*list.Element),
}

func registerOutbound(o Outbound) {
	allOutbounds.mu.Lock()
	defer allOutbounds.mu.Unlock()
	if _, ok := allOutbounds.elems[o]; ok {
		return
	}
	allOutbounds.elems[o] = allOutbounds.list.PushBack(o)
}

func deregisterOutbound(o Outbound) {
	allOutbounds.mu.Lock()
	el, ok := allOutbounds.elems[o]
	if ok {
		allOutbounds.list.Remove(el)
		delete(allOutbounds.elems, o)
	}
	allOutbounds.mu.Unlock()

	if ok {
		// Traffic that arrived since the last scrape would be lost
		// with the registry entry; fold it into the counters now.
		getMetrics().fold(o)
	}
}

// ForEachOutbound walks all live outbounds in registration order.
func ForEachOutbound(f func(o Outbound)) {
	allOutbounds.mu.Lock()
	outbounds := make([]Outbound, 0, allOutbounds.list.Len())
	for el := allOutbounds.list.Front(); el != nil; el = el.Next() {
		outbounds = append(outbounds, el.Value.(Outbound))
	}
	allOutbounds.mu.Unlock()

	for _, o := range outbounds {
		f(o)
	}
}

// OutboundCount returns the number of live outbounds.
func OutboundCount() int {
	allOutbounds.mu.Lock()
	defer allOutbounds.mu.Unlock()
	return allOutbounds.list.Len()
}
