package pipeline

import (
	"sort"
	"sync"
)

// every element accepts a name
const nameProperty = "name"

var (
	registry    = make(map[string]map[string]struct{})
	registryMux sync.RWMutex
)

// RegisterElement makes an element factory known to the parser together with the
// properties it accepts. Registering an existing factory adds to its properties.
func RegisterElement(factory string, properties ...string) {
	registryMux.Lock()
	defer registryMux.Unlock()

	props, exists := registry[factory]
	if !exists {
		props = make(map[string]struct{}, len(properties)+1)
		props[nameProperty] = struct{}{}
		registry[factory] = props
	}

	for _, p := range properties {
		props[p] = struct{}{}
	}
}

// Elements returns the registered element factories, sorted.
func Elements() []string {
	registryMux.RLock()
	defer registryMux.RUnlock()

	factories := make([]string, 0, len(registry))
	for f := range registry {
		factories = append(factories, f)
	}
	sort.Strings(factories)

	return factories
}

// lookupElement returns a copy, registration may extend the properties concurrently.
func lookupElement(factory string) (map[string]struct{}, bool) {
	registryMux.RLock()
	defer registryMux.RUnlock()

	props, exists := registry[factory]
	if !exists {
		return nil, false
	}

	cp := make(map[string]struct{}, len(props))
	for p := range props {
		cp[p] = struct{}{}
	}
	return cp, true
}

func init() {
	// sources
	RegisterElement("libcamerasrc", "camera-name", "auto-focus-mode")
	RegisterElement("v4l2src", "device", "do-timestamp", "io-mode")
	RegisterElement("videotestsrc", "pattern", "is-live", "num-buffers")
	RegisterElement("rtspsrc", "location", "latency", "protocols", "user-id", "user-pw", "tcp-timeout", "drop-on-latency")

	// raw video
	RegisterElement("videoconvert", "n-threads")
	RegisterElement("videoscale", "method", "add-borders")
	RegisterElement("videoflip", "method", "video-direction")
	RegisterElement("videorate", "drop-only", "max-rate")
	RegisterElement("capsfilter", "caps")
	RegisterElement("queue", "max-size-buffers", "max-size-bytes", "max-size-time", "leaky")

	// h264
	RegisterElement("x264enc", "tune", "bitrate", "speed-preset", "key-int-max", "threads", "byte-stream")
	RegisterElement("h264parse", "config-interval", "disable-passthrough")
	RegisterElement("rtph264depay", "wait-for-keyframe", "request-keyframe")
	RegisterElement("rtph264pay", "config-interval", "pt", "mtu", "ssrc", "aggregate-mode")

	// sinks
	RegisterElement("udpsink", "host", "port", "sync", "async")
	RegisterElement("fakesink", "sync")
}
