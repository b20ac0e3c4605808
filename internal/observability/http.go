package observability

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ismaiel54/fix-order-gateway/internal/engine"
	"github.com/ismaiel54/fix-order-gateway/internal/session"
)

// SessionLister is satisfied by session.Registry
type SessionLister interface {
	Statuses() []session.Status
}

// OrderLookup is satisfied by engine.Book
type OrderLookup interface {
	Get(sessionID, clOrdID string) (engine.Order, bool)
	Orders(sessionID string) []engine.Order
}

type orderView struct {
	SessionID   string `json:"session_id"`
	ClOrdID     string `json:"cl_ord_id"`
	OrderID     string `json:"order_id"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrdType     string `json:"ord_type"`
	Price       string `json:"price,omitempty"`
	Quantity    uint64 `json:"qty"`
	FilledQty   uint64 `json:"filled_qty"`
	LeavesQty   uint64 `json:"leaves_qty"`
	AvgPx       string `json:"avg_px"`
	Status      string `json:"status"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

func newOrderView(o engine.Order) orderView {
	v := orderView{
		SessionID:   o.SessionID,
		ClOrdID:     o.ClOrdID,
		OrderID:     o.OrderID,
		Symbol:      o.Symbol,
		Side:        o.Side.String(),
		OrdType:     o.Type.String(),
		Quantity:    o.Quantity,
		FilledQty:   o.FilledQuantity,
		LeavesQty:   o.LeavesQty(),
		AvgPx:       o.AvgPx.String(),
		Status:      o.Status.String(),
		CreatedAtMs: o.CreatedAt.UnixMilli(),
	}
	if o.Price.Valid {
		v.Price = o.Price.Decimal.String()
	}
	return v
}

// NewRouter builds the ops HTTP surface. orders may be nil on the client side.
func NewRouter(h *HealthChecker, sessions SessionLister, orders OrderLookup) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		if h.Healthy() {
			c.String(http.StatusOK, "OK")
			return
		}
		c.String(http.StatusServiceUnavailable, "NOT_READY")
	})

	r.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": sessions.Statuses()})
	})

	if orders == nil {
		return r
	}

	r.GET("/orders/:session", func(c *gin.Context) {
		list := orders.Orders(c.Param("session"))
		views := make([]orderView, 0, len(list))
		for _, o := range list {
			views = append(views, newOrderView(o))
		}
		c.JSON(http.StatusOK, gin.H{"orders": views})
	})

	r.GET("/orders/:session/:clOrdId", func(c *gin.Context) {
		o, ok := orders.Get(c.Param("session"), c.Param("clOrdId"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		c.JSON(http.StatusOK, newOrderView(o))
	})
	return r
}
