package upstream

// Health is the derived availability of a target.
type Health int32

const (
	Unknown Health = iota
	Healthy
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Observer receives pool lifecycle notifications, typically a metrics sink.
type Observer interface {
	ConnDialed(addr string, err error)
	ConnsActive(addr string, n int64)
	HealthChanged(addr string, h Health)
}

type nopObserver struct{}

func (nopObserver) ConnDialed(string, error)     {}
func (nopObserver) ConnsActive(string, int64)    {}
func (nopObserver) HealthChanged(string, Health) {}
