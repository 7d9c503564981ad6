package gateway

import (
	"net/http"

	"github.com/canopy-network/chaingate/app/gateway/controller"
	"github.com/canopy-network/chaingate/app/gateway/types"
)

// NewServer builds the HTTP server for app on the configured address.
func NewServer(app *types.App) error {
	ctler := controller.NewController(app)
	router, err := ctler.NewRouter()
	if err != nil {
		return err
	}

	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	app.Server = &http.Server{Addr: app.Config.Addr, Handler: controller.WithCORS(router)}

	return nil
}
