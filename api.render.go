package main

import (
	"embed"
	"fmt"
	"html/template"
	"io"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Pages names. Each one maps to `templates/<name>.html`.
const (
	PageBookList    = "book-list"
	PageBookAdd     = "book-add"
	PageBookEdit    = "book-edit"
	PageBookDetails = "book-details"
	PageBookDelete  = "book-delete"
	PageError       = "error"
)

var pages = []string{PageBookList, PageBookAdd, PageBookEdit, PageBookDetails, PageBookDelete, PageError}

// Renderer produces the html of a page from its view model.
type Renderer interface {
	Render(w io.Writer, page string, view interface{}) error
}

type templateRenderer struct {
	pages map[string]*template.Template
}

// NewTemplateRenderer parses all embedded pages, each one with the shared layout.
func NewTemplateRenderer() (Renderer, error) {
	tr := &templateRenderer{pages: make(map[string]*template.Template, len(pages))}
	for _, page := range pages {
		t, err := template.ParseFS(templatesFS, "templates/layout.html", "templates/"+page+".html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s page: %w", page, err)
		}
		tr.pages[page] = t
	}
	return tr, nil
}

// Render executes the layout of the given page.
func (tr *templateRenderer) Render(w io.Writer, page string, view interface{}) error {
	t, ok := tr.pages[page]
	if !ok {
		return fmt.Errorf("unknown page %q", page)
	}
	return t.ExecuteTemplate(w, "layout", view)
}

// BookListView is the view model of the books list page.
type BookListView struct {
	Title string `json:"title"`
	Books []Book `json:"books"`
}

// BookFormView is the view model of the add and edit pages, on first
// display as well as on validation failure with the submitted values.
type BookFormView struct {
	Title     string   `json:"title"`
	Book      BookForm `json:"book"`
	Errors    []string `json:"errors,omitempty"`
	CSRFToken string   `json:"csrfToken"`
}

// BookDetails is a book merged with its ratings.
type BookDetails struct {
	Book
	AverageRating      float64  `json:"averageRating"`
	Ratings            []Rating `json:"ratings"`
	Stars              string   `json:"stars"`
	RatingsUnavailable bool     `json:"ratingsUnavailable"`
}

// BookDetailsView is the view model of the details page.
type BookDetailsView struct {
	Title     string      `json:"title"`
	Book      BookDetails `json:"book"`
	CSRFToken string      `json:"csrfToken"`
}

// BookDeleteView is the view model of the delete confirmation page.
type BookDeleteView struct {
	Title     string `json:"title"`
	Book      Book   `json:"book"`
	CSRFToken string `json:"csrfToken"`
}

// ErrorView is the view model of the error page.
type ErrorView struct {
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Message   string `json:"message"`
	RequestID string `json:"requestid"`
}
