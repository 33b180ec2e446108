package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// CartMutationsTotal counts cart mutation outcomes by operation.
	CartMutationsTotal *prometheus.CounterVec
	// CartLoadsTotal counts cart resync outcomes (applied, discarded, failed, local).
	CartLoadsTotal *prometheus.CounterVec
	// CheckoutTransitionsTotal counts checkout step transitions by outcome.
	CheckoutTransitionsTotal *prometheus.CounterVec
	// OrderPlacementsTotal counts order placement attempts by outcome.
	OrderPlacementsTotal *prometheus.CounterVec
	// OrderLookupAttempts records how many list calls were needed to resolve an order.
	OrderLookupAttempts prometheus.Histogram
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		CartMutationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_mutations_total",
			Help:      "Count of cart mutation outcomes.",
		}, []string{"op", "result"})
		CartLoadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_loads_total",
			Help:      "Count of cart resync outcomes.",
		}, []string{"result"})
		CheckoutTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_transitions_total",
			Help:      "Count of checkout step transitions by outcome.",
		}, []string{"from", "to", "result"})
		OrderPlacementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_placements_total",
			Help:      "Count of order placement outcomes.",
		}, []string{"result"})
		OrderLookupAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_lookup_attempts",
			Help:      "Number of order list calls needed to resolve a placed order.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		})

		mustRegisterCollector(reg, CartMutationsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CartMutationsTotal = v
			}
		})
		mustRegisterCollector(reg, CartLoadsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CartLoadsTotal = v
			}
		})
		mustRegisterCollector(reg, CheckoutTransitionsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CheckoutTransitionsTotal = v
			}
		})
		mustRegisterCollector(reg, OrderPlacementsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				OrderPlacementsTotal = v
			}
		})
		mustRegisterCollector(reg, OrderLookupAttempts, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Histogram); ok {
				OrderLookupAttempts = v
			}
		})
	})
}

// CountCartMutation records a cart mutation outcome when metrics are registered.
func CountCartMutation(op, result string) {
	if CartMutationsTotal != nil {
		CartMutationsTotal.WithLabelValues(op, result).Inc()
	}
}

// CountCartLoad records a cart resync outcome when metrics are registered.
func CountCartLoad(result string) {
	if CartLoadsTotal != nil {
		CartLoadsTotal.WithLabelValues(result).Inc()
	}
}

// CountCheckoutTransition records a checkout transition outcome when metrics are registered.
func CountCheckoutTransition(from, to, result string) {
	if CheckoutTransitionsTotal != nil {
		CheckoutTransitionsTotal.WithLabelValues(from, to, result).Inc()
	}
}

// CountOrderPlacement records an order placement outcome when metrics are registered.
func CountOrderPlacement(result string) {
	if OrderPlacementsTotal != nil {
		OrderPlacementsTotal.WithLabelValues(result).Inc()
	}
}

// ObserveOrderLookup records the attempts needed to find an order.
func ObserveOrderLookup(attempts int) {
	if OrderLookupAttempts != nil {
		OrderLookupAttempts.Observe(float64(attempts))
	}
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
