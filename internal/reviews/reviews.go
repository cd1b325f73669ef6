// Package reviews handles post-ride reviews and keeps each user's
// aggregate rating in sync with them.
package reviews

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/example/carpool/internal/auth"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

var (
	ErrRideNotCompleted = errors.New("can only review completed rides")
	ErrInvalidRating    = errors.New("rating must be between 1 and 5")
	ErrCommentTooLong   = errors.New("comment cannot exceed 500 characters")
	ErrNotParticipant   = errors.New("can only review rides you participated in")
	ErrSelfReview       = errors.New("cannot review yourself")
)

type Service struct {
	Rides   storage.RideStore
	Reviews storage.ReviewStore
	Users   storage.UserStore
	Now     func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type CreateRequest struct {
	RideID     string `json:"ride_id"`
	RevieweeID string `json:"reviewee_id"`
	Rating     int    `json:"rating"`
	Comment    string `json:"comment"`
}

// Create validates participation rules, stores the review and recomputes
// the reviewee's aggregate rating.
func (s *Service) Create(ctx context.Context, reviewerID string, req CreateRequest) (*models.Review, error) {
	if req.Rating < 1 || req.Rating > 5 {
		return nil, ErrInvalidRating
	}
	if len(req.Comment) > 500 {
		return nil, ErrCommentTooLong
	}
	if req.RevieweeID == reviewerID {
		return nil, ErrSelfReview
	}

	ride, err := s.Rides.GetRide(ctx, req.RideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.RideCompleted {
		return nil, ErrRideNotCompleted
	}
	if !participated(ride, reviewerID) || !participated(ride, req.RevieweeID) {
		return nil, ErrNotParticipant
	}

	rv := &models.Review{
		ID:         auth.NewID(),
		RideID:     req.RideID,
		ReviewerID: reviewerID,
		RevieweeID: req.RevieweeID,
		Rating:     req.Rating,
		Comment:    req.Comment,
		CreatedAt:  s.now(),
	}
	if err := s.Reviews.CreateReview(ctx, rv); err != nil {
		return nil, err
	}
	if err := s.RecomputeRating(ctx, req.RevieweeID); err != nil {
		return nil, err
	}
	return rv, nil
}

// RecomputeRating rebuilds the aggregate from all stored reviews, rounded
// to one decimal the way the mobile clients display it.
func (s *Service) RecomputeRating(ctx context.Context, userID string) error {
	all, err := s.Reviews.ReviewsForUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		return nil
	}
	sum := 0
	for _, rv := range all {
		sum += rv.Rating
	}
	avg := math.Round(float64(sum)/float64(len(all))*10) / 10
	return s.Users.UpdateRating(ctx, userID, models.Rating{Average: avg, Count: len(all)})
}

func (s *Service) ForUser(ctx context.Context, userID string) ([]*models.Review, error) {
	return s.Reviews.ReviewsForUser(ctx, userID)
}

func participated(r *models.Ride, userID string) bool {
	if r.DriverID == userID {
		return true
	}
	_, i := r.BookingFor(userID)
	return i >= 0
}
