package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// readBookForm collects the submitted book fields.
func readBookForm(r *http.Request) (BookForm, error) {
	if err := r.ParseForm(); err != nil {
		return BookForm{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return BookForm{
		Title:       r.PostForm.Get("title"),
		Author:      r.PostForm.Get("author"),
		ReleaseDate: r.PostForm.Get("releaseDate"),
		PageCount:   r.PostForm.Get("pageCount"),
		Publisher:   r.PostForm.Get("publisher"),
	}, nil
}

// ListBooks renders all books ordered by title.
func (api *APIHandler) ListBooks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	requestID := GetValueFromContext(r.Context(), RequestIDContextKey)
	books, err := api.bookService.GetAll(r.Context())
	if err != nil {
		api.RenderError(w, r, fmt.Errorf("failed to get all books: %w", err))
		return
	}
	api.logger.Info("success to get all books", zap.String("request.id", requestID), zap.Int("books.total", len(books)))
	api.render(w, r, http.StatusOK, PageBookList, BookListView{Title: "Books", Books: books})
}

// AddBookForm renders an empty book creation form.
func (api *APIHandler) AddBookForm(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	api.render(w, r, http.StatusOK, PageBookAdd, BookFormView{
		Title:     "Add Book",
		Book:      BookForm{},
		CSRFToken: csrfToken(r),
	})
}

// CreateBook validates the submitted form then stores the new book. On validation
// failure the form is rendered again with the errors and the submitted values.
func (api *APIHandler) CreateBook(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	requestID := GetValueFromContext(r.Context(), RequestIDContextKey)
	form, err := readBookForm(r)
	if err != nil {
		api.RenderError(w, r, err)
		return
	}

	book, err := api.bookService.Add(r.Context(), form)
	var verr *ValidationError
	if errors.As(err, &verr) {
		api.logger.Info("invalid book creation form", zap.String("request.id", requestID), zap.Strings("errors", verr.Messages))
		api.render(w, r, http.StatusOK, PageBookAdd, BookFormView{
			Title:     "Add Book",
			Book:      form,
			Errors:    verr.Messages,
			CSRFToken: csrfToken(r),
		})
		return
	}
	if err != nil {
		api.RenderError(w, r, fmt.Errorf("failed to create book: %w", err))
		return
	}
	api.logger.Info("success to create book", zap.String("request.id", requestID), zap.Int64("book.id", book.ID))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// EditBookForm renders the edition form filled with the stored book.
func (api *APIHandler) EditBookForm(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := ParseBookID(ps.ByName("id"), true)
	if !ok {
		api.NotFound().ServeHTTP(w, r)
		return
	}
	book, err := api.bookService.GetOne(r.Context(), id)
	if err != nil {
		api.RenderError(w, r, fmt.Errorf("failed to get book %d: %w", id, err))
		return
	}
	api.render(w, r, http.StatusOK, PageBookEdit, BookFormView{
		Title:     "Edit Book",
		Book:      NewBookForm(book),
		CSRFToken: csrfToken(r),
	})
}

// UpdateBook validates the submitted form then replaces the stored book fields.
func (api *APIHandler) UpdateBook(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	requestID := GetValueFromContext(r.Context(), RequestIDContextKey)
	id, ok := ParseBookID(ps.ByName("id"), true)
	if !ok {
		api.NotFound().ServeHTTP(w, r)
		return
	}
	form, err := readBookForm(r)
	if err != nil {
		api.RenderError(w, r, err)
		return
	}
	form.ID = id

	_, err = api.bookService.Update(r.Context(), id, form)
	var verr *ValidationError
	if errors.As(err, &verr) {
		api.logger.Info("invalid book edition form", zap.String("request.id", requestID), zap.Int64("book.id", id), zap.Strings("errors", verr.Messages))
		api.render(w, r, http.StatusOK, PageBookEdit, BookFormView{
			Title:     "Edit Book",
			Book:      form,
			Errors:    verr.Messages,
			CSRFToken: csrfToken(r),
		})
		return
	}
	if err != nil {
		api.RenderError(w, r, fmt.Errorf("failed to update book %d: %w", id, err))
		return
	}
	api.logger.Info("success to update book", zap.String("request.id", requestID), zap.Int64("book.id", id))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// BookDetails renders a book with its ratings. The database and the ratings
// service are queried one after the other. When the ratings service fails the
// page is still rendered, without ratings.
func (api *APIHandler) BookDetails(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	requestID := GetValueFromContext(r.Context(), RequestIDContextKey)
	id, ok := ParseBookID(ps.ByName("id"), false)
	if !ok {
		api.RenderError(w, r, ErrBookNotFound)
		return
	}
	book, err := api.bookService.GetOne(r.Context(), id)
	if err != nil {
		api.RenderError(w, r, fmt.Errorf("failed to get book %d: %w", id, err))
		return
	}

	details := BookDetails{Book: book, Ratings: []Rating{}}
	ratings, err := api.ratings.Fetch(r.Context(), id)
	if err != nil {
		api.logger.Error("failed to fetch book ratings", zap.String("request.id", requestID), zap.Int64("book.id", id), zap.Error(err))
		details.RatingsUnavailable = true
	} else {
		details.AverageRating = ratings.Average
		details.Ratings = ratings.Ratings
	}
	details.Stars = Stars(details.AverageRating)

	api.render(w, r, http.StatusOK, PageBookDetails, BookDetailsView{
		Title:     book.Title,
		Book:      details,
		CSRFToken: csrfToken(r),
	})
}

// SubmitRating forwards a vote to the ratings service then goes back to the details page.
func (api *APIHandler) SubmitRating(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	requestID := GetValueFromContext(r.Context(), RequestIDContextKey)
	id, ok := ParseBookID(ps.ByName("id"), false)
	if !ok {
		api.RenderError(w, r, ErrBookNotFound)
		return
	}
	if err := r.ParseForm(); err != nil {
		api.RenderError(w, r, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}

	err := api.ratings.Submit(r.Context(), id, r.PostForm.Get("email"), r.PostForm.Get("value"))
	if err != nil {
		api.RenderError(w, r, fmt.Errorf("failed to submit rating for book %d: %w", id, err))
		return
	}
	api.logger.Info("success to submit rating", zap.String("request.id", requestID), zap.Int64("book.id", id))
	http.Redirect(w, r, "/book/details/"+strconv.FormatInt(id, 10), http.StatusSeeOther)
}

// DeleteBookForm renders the deletion confirmation page.
func (api *APIHandler) DeleteBookForm(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := ParseBookID(ps.ByName("id"), true)
	if !ok {
		api.NotFound().ServeHTTP(w, r)
		return
	}
	book, err := api.bookService.GetOne(r.Context(), id)
	if err != nil {
		api.RenderError(w, r, fmt.Errorf("failed to get book %d: %w", id, err))
		return
	}
	api.render(w, r, http.StatusOK, PageBookDelete, BookDeleteView{
		Title:     "Delete Book",
		Book:      book,
		CSRFToken: csrfToken(r),
	})
}

// DeleteBook removes a book.
func (api *APIHandler) DeleteBook(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	requestID := GetValueFromContext(r.Context(), RequestIDContextKey)
	id, ok := ParseBookID(ps.ByName("id"), true)
	if !ok {
		api.NotFound().ServeHTTP(w, r)
		return
	}
	if err := api.bookService.Delete(r.Context(), id); err != nil {
		api.RenderError(w, r, fmt.Errorf("failed to delete book %d: %w", id, err))
		return
	}
	api.logger.Info("success to delete book", zap.String("request.id", requestID), zap.Int64("book.id", id))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
