package main

import (
	"context"

	"go.uber.org/zap"
)

type BookServiceProvider interface {
	Add(ctx context.Context, form BookForm) (Book, error)
	GetOne(ctx context.Context, id int64) (Book, error)
	Delete(ctx context.Context, id int64) error
	Update(ctx context.Context, id int64, form BookForm) (Book, error)
	GetAll(ctx context.Context) ([]Book, error)
}

// BookService validates submitted forms before handing books to the storage,
// which performs no validation on its own.
type BookService struct {
	logger  *zap.Logger
	storage BookStorage
}

func NewBookService(logger *zap.Logger, storage BookStorage) BookServiceProvider {
	return &BookService{
		logger:  logger,
		storage: storage,
	}
}

// Add creates a book from a form. It returns a *ValidationError
// without touching the storage if the form is not valid.
func (bs *BookService) Add(ctx context.Context, form BookForm) (Book, error) {
	book, err := form.ToBook()
	if err != nil {
		return book, err
	}
	book, err = bs.storage.Add(ctx, book)
	if err != nil {
		return book, err
	}
	bs.logger.Info("service: book created", zap.Int64("book.id", book.ID))
	return book, nil
}

func (bs *BookService) GetOne(ctx context.Context, id int64) (Book, error) {
	return bs.storage.GetOne(ctx, id)
}

func (bs *BookService) Delete(ctx context.Context, id int64) error {
	if err := bs.storage.Delete(ctx, id); err != nil {
		return err
	}
	bs.logger.Info("service: book deleted", zap.Int64("book.id", id))
	return nil
}

// Update replaces all fields of an existing book with the form values.
func (bs *BookService) Update(ctx context.Context, id int64, form BookForm) (Book, error) {
	book, err := form.ToBook()
	if err != nil {
		return book, err
	}
	book, err = bs.storage.Update(ctx, id, book)
	if err != nil {
		return book, err
	}
	bs.logger.Info("service: book updated", zap.Int64("book.id", id))
	return book, nil
}

func (bs *BookService) GetAll(ctx context.Context) ([]Book, error) {
	return bs.storage.GetAll(ctx)
}
