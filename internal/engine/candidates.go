package engine

import (
	"context"

	"detour/internal/domain"
	"detour/internal/ranking"
	"detour/internal/repo"
)

// CandidateSource lists the venues a session may propose.
type CandidateSource interface {
	Candidates(ctx context.Context, areaID, intent string, c domain.Constraints) ([]ranking.Candidate, error)
}

// VenueCatalog proposes every registered venue of the area. When intent
// names a category present in the area, only venues of that category are
// offered.
type VenueCatalog struct {
	Repo repo.Repo
}

func (v VenueCatalog) Candidates(ctx context.Context, areaID, intent string, _ domain.Constraints) ([]ranking.Candidate, error) {
	venues, err := v.Repo.ListVenues(ctx, areaID)
	if err != nil {
		return nil, err
	}
	all := make([]ranking.Candidate, 0, len(venues))
	var matching []ranking.Candidate
	for _, ven := range venues {
		c := ranking.Candidate{PlaceID: ven.PlaceID, Category: ven.Category, Name: ven.Name}
		all = append(all, c)
		if intent != "" && ven.Category == intent {
			matching = append(matching, c)
		}
	}
	if len(matching) > 0 {
		return matching, nil
	}
	return all, nil
}

// StaticCandidates serves a fixed list regardless of area.
type StaticCandidates []ranking.Candidate

func (s StaticCandidates) Candidates(context.Context, string, string, domain.Constraints) ([]ranking.Candidate, error) {
	return append([]ranking.Candidate(nil), s...), nil
}
