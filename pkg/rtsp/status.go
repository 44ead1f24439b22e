package rtsp

import (
	"sort"
	"time"
)

type MediaStatus struct {
	ID        string    `json:"id"`
	Backend   string    `json:"backend"`
	Shared    bool      `json:"shared"`
	Readers   int       `json:"readers"`
	CreatedAt time.Time `json:"created_at"`
}

type MountStatus struct {
	Path   string        `json:"path"`
	Launch string        `json:"launch"`
	Shared bool          `json:"shared"`
	Media  []MediaStatus `json:"media"`
}

type Status struct {
	MetricsSnapshot
	Address string        `json:"address"`
	Mounts  []MountStatus `json:"mounts"`
}

// Status is a point in time view of the server and every mount.
func (s *Server) Status() Status {
	status := Status{
		MetricsSnapshot: s.metrics.Snapshot(),
		Address:         s.config.RTSPAddress(),
		Mounts:          s.MountStatus(),
	}

	return status
}

// MountStatus lists the mounts in path order with their running media.
func (s *Server) MountStatus() []MountStatus {
	factories := s.mounts.Factories()

	mounts := make([]MountStatus, 0, len(factories))
	for _, path := range s.mounts.Paths() {
		f, exists := factories[path]
		if !exists {
			continue
		}

		m := MountStatus{
			Path:   path,
			Launch: f.Launch(),
			Shared: f.Shared(),
			Media:  make([]MediaStatus, 0),
		}
		for _, media := range f.AllMedia() {
			m.Media = append(m.Media, MediaStatus{
				ID:        media.ID.String(),
				Backend:   string(media.Pipeline().Backend()),
				Shared:    media.Shared(),
				Readers:   media.Readers(),
				CreatedAt: media.CreatedAt,
			})
		}

		sort.Slice(m.Media, func(i, j int) bool {
			return m.Media[i].CreatedAt.Before(m.Media[j].CreatedAt)
		})

		mounts = append(mounts, m)
	}

	return mounts
}
