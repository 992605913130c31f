package engine

import (
	"github.com/gofiber/fiber/v2"

	"github.com/cnos-dev/ultimate-crud/internal/metadata"
)

// RegisterRoutes mounts every registered entity onto the app. Tables get full
// CRUD plus association routes; views are GET-only at the router level;
// queries pick GET or POST by whether their SQL is read-only; procedures are
// always POST.
func RegisterRoutes(app *fiber.App, h *Handler, reg *metadata.Registry) {
	for _, e := range reg.All() {
		switch e.Kind {
		case metadata.KindTable:
			registerTable(app, h, e)
		case metadata.KindView:
			registerView(app, h, e)
		case metadata.KindQuery:
			if e.ReadOnlySQL() {
				app.Get(e.Route, h.RunQuery(e))
			} else {
				app.Post(e.Route, h.RunQuery(e))
			}
		case metadata.KindProcedure:
			app.Post(e.Route, h.CallProcedure(e))
		}
	}
}

// keyPath renders the route segment for the entity's primary key, one named
// param per key column: "/:order_id/:product_id" for a compound key.
func keyPath(e *metadata.Entity) string {
	path := ""
	for _, col := range e.PrimaryKey() {
		path += "/:" + col.Name
	}
	return path
}

func registerTable(app *fiber.App, h *Handler, e *metadata.Entity) {
	kp := keyPath(e)

	app.Get(e.Route, h.List(e))
	app.Post(e.Route, h.Create(e))
	app.Get(e.Route+kp, h.Get(e))
	app.Put(e.Route+kp, h.Update(e))
	app.Delete(e.Route+kp, h.Delete(e))

	for i := range e.Associations {
		assoc := &e.Associations[i]
		base := e.Route + kp + "/" + assoc.Alias()
		app.Get(base, h.ListAssociated(e, assoc))
		if assoc.Type == metadata.BelongsTo {
			continue
		}
		app.Post(base, h.CreateAssociated(e, assoc))
		if assoc.Type == metadata.BelongsToMany {
			app.Put(base, h.ReplaceAssociated(e, assoc))
			app.Delete(base+"/:target_id", h.RemoveAssociated(e, assoc))
		}
	}
}

func registerView(app *fiber.App, h *Handler, e *metadata.Entity) {
	kp := keyPath(e)

	app.Get(e.Route, h.List(e))
	if kp != "" {
		app.Get(e.Route+kp, h.Get(e))
	}

	mna := h.MethodNotAllowed(e)
	app.Post(e.Route, mna)
	if kp != "" {
		app.Put(e.Route+kp, mna)
		app.Delete(e.Route+kp, mna)
	} else {
		app.Put(e.Route+"/:id", mna)
		app.Delete(e.Route+"/:id", mna)
	}
}
