package telemetry

import (
	"math/rand/v2"
	"sync"
)

// Sample series parameters.
const (
	baseTemperature = 23.0
	baseHumidity    = 150.0
	humiditySpread  = 3.14
)

// Generator produces the sample reading series. For the i-th reading
// (counting from 1) and a random r in [0,1): temperature is 23-r when i is
// even and 23+r when odd; humidity is 150+3.14r.
type Generator struct {
	mu   sync.Mutex
	rand func() float64
	seq  int
}

// NewGenerator returns a generator drawing from src, or from the global
// source when src is nil.
func NewGenerator(src rand.Source) *Generator {
	if src == nil {
		return &Generator{rand: rand.Float64}
	}
	return &Generator{rand: rand.New(src).Float64}
}

// Next returns the next reading and its sequence number.
func (g *Generator) Next() (int, Reading) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.seq++
	r := g.rand()

	temp := baseTemperature + r
	if g.seq%2 == 0 {
		temp = baseTemperature - r
	}
	return g.seq, Reading{
		Temperature: temp,
		Humidity:    baseHumidity + humiditySpread*r,
	}
}
