package service

import (
	"context"
	"fmt"
	"strings"

	modeldomain "github.com/smallbiznis/jupiter/internal/model/domain"
	resolverdomain "github.com/smallbiznis/jupiter/internal/resolver/domain"
	userdomain "github.com/smallbiznis/jupiter/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// The matching order below is a contract, not an optimization: exact beats
// containment, containment beats email-domain, and the underscore prefix
// strip runs last. Substring containment is the only typo tolerance.

type userStrategy struct {
	Name  string
	Match func(ctx context.Context, s *Service, tag string) (*userdomain.User, error)
}

type modelStrategy struct {
	Name  string
	Match func(ctx context.Context, s *Service, tag string) (*modeldomain.AIModel, error)
}

var userStrategies = []userStrategy{
	{Name: "org_exact", Match: matchUserOrgExact},
	{Name: "org_contains", Match: matchUserOrgContains},
	{Name: "email_domain", Match: matchUserEmailDomain},
}

var modelStrategies = []modelStrategy{
	{Name: "identifier_exact", Match: matchModelIdentifierExact},
	{Name: "name_exact", Match: matchModelNameExact},
	{Name: "contains", Match: matchModelContains},
	{Name: "prefix_strip", Match: matchModelPrefixStrip},
}

type ServiceParam struct {
	fx.In

	Log    *zap.Logger
	Users  userdomain.Directory
	Models modeldomain.Directory
}

type Service struct {
	log    *zap.Logger
	users  userdomain.Directory
	models modeldomain.Directory
}

func NewService(p ServiceParam) resolverdomain.Service {
	return &Service{
		log:    p.Log.Named("resolver.service"),
		users:  p.Users,
		models: p.Models,
	}
}

func (s *Service) Resolve(ctx context.Context, companyTag, modelTag string) (resolverdomain.Result, error) {
	result := resolverdomain.Result{}

	companyTag = strings.ToLower(strings.TrimSpace(companyTag))
	if companyTag == "" {
		result.Notes = append(result.Notes, "company tag empty, user resolution skipped")
	} else {
		for _, strategy := range userStrategies {
			user, err := strategy.Match(ctx, s, companyTag)
			if err != nil {
				return result, fmt.Errorf("user strategy %s: %w", strategy.Name, err)
			}
			if user != nil {
				result.User = user
				s.log.Debug("user resolved",
					zap.String("strategy", strategy.Name),
					zap.String("company_tag", companyTag),
					zap.String("user_id", user.ID.String()),
				)
				break
			}
			result.Notes = append(result.Notes, "user strategy "+strategy.Name+" missed")
		}
	}

	modelTag = strings.ToLower(strings.TrimSpace(modelTag))
	if modelTag == "" {
		result.Notes = append(result.Notes, "model tag empty, model resolution skipped")
		return result, nil
	}
	for _, strategy := range modelStrategies {
		model, err := strategy.Match(ctx, s, modelTag)
		if err != nil {
			return result, fmt.Errorf("model strategy %s: %w", strategy.Name, err)
		}
		if model != nil {
			result.Model = model
			s.log.Debug("model resolved",
				zap.String("strategy", strategy.Name),
				zap.String("model_tag", modelTag),
				zap.String("model_id", model.ID.String()),
			)
			break
		}
		result.Notes = append(result.Notes, "model strategy "+strategy.Name+" missed")
	}

	return result, nil
}

func matchUserOrgExact(ctx context.Context, s *Service, tag string) (*userdomain.User, error) {
	candidates, err := s.users.FindUsersLike(ctx, tag)
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		if strings.EqualFold(candidate.OrganizationTag, tag) {
			user := candidate
			return &user, nil
		}
	}
	return nil, nil
}

func matchUserOrgContains(ctx context.Context, s *Service, tag string) (*userdomain.User, error) {
	candidates, err := s.users.FindUsersLike(ctx, tag)
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		org := strings.ToLower(candidate.OrganizationTag)
		if strings.Contains(org, tag) || strings.Contains(tag, org) {
			user := candidate
			return &user, nil
		}
	}
	return nil, nil
}

func matchUserEmailDomain(ctx context.Context, s *Service, tag string) (*userdomain.User, error) {
	candidates, err := s.users.FindUsersByEmailDomain(ctx, tag)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	user := candidates[0]
	return &user, nil
}

func matchModelIdentifierExact(ctx context.Context, s *Service, tag string) (*modeldomain.AIModel, error) {
	candidates, err := s.models.FindModelsLike(ctx, tag)
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		if strings.EqualFold(candidate.ModelIdentifier, tag) {
			model := candidate
			return &model, nil
		}
	}
	return nil, nil
}

func matchModelNameExact(ctx context.Context, s *Service, tag string) (*modeldomain.AIModel, error) {
	candidates, err := s.models.FindModelsLike(ctx, tag)
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		if strings.EqualFold(candidate.Name, tag) {
			model := candidate
			return &model, nil
		}
	}
	return nil, nil
}

func matchModelContains(ctx context.Context, s *Service, tag string) (*modeldomain.AIModel, error) {
	candidates, err := s.models.FindModelsLike(ctx, tag)
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		identifier := strings.ToLower(candidate.ModelIdentifier)
		name := strings.ToLower(candidate.Name)
		if strings.Contains(identifier, tag) || strings.Contains(tag, identifier) ||
			strings.Contains(name, tag) || strings.Contains(tag, name) {
			model := candidate
			return &model, nil
		}
	}
	return nil, nil
}

// matchModelPrefixStrip treats the first underscore-delimited segment as a
// company prefix ("acmecorp_email_classifier" -> "email_classifier") and
// retries containment on the remainder.
func matchModelPrefixStrip(ctx context.Context, s *Service, tag string) (*modeldomain.AIModel, error) {
	idx := strings.Index(tag, "_")
	if idx < 0 || idx == len(tag)-1 {
		return nil, nil
	}
	return matchModelContains(ctx, s, tag[idx+1:])
}
