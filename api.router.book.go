package main

import (
	"github.com/julienschmidt/httprouter"
)

// SetupBookRoutes injects the catalog pages. Pages holding a form
// go through the forms chains which check and mint csrf tokens.
// Edit and delete pages only exist for digits ids.
func (api *APIHandler) SetupBookRoutes(router *httprouter.Router, m *MiddlewareMap) *httprouter.Router {
	router.GET("/", m.public(api.ListBooks))
	router.GET("/status", m.public(api.Status))

	router.GET("/book/add", m.forms(api.AddBookForm))
	router.POST("/book/add", m.forms(api.CreateBook))
	router.GET("/book/edit/:id", m.bookForms(api.EditBookForm))
	router.POST("/book/edit/:id", m.bookForms(api.UpdateBook))
	router.GET("/book/details/:id", m.forms(api.BookDetails))
	router.POST("/book/ratings/:id", m.forms(api.SubmitRating))
	router.GET("/book/delete/:id", m.bookForms(api.DeleteBookForm))
	router.POST("/book/delete/:id", m.bookForms(api.DeleteBook))
	return router
}
