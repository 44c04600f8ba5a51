package planeval

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/events"
)

// Criteria names.
const (
	CriterionCompleteness = "completeness"
	CriterionFeasibility  = "feasibility"
	CriterionRisk         = "risk"
	CriterionClarity      = "clarity"
	CriterionEfficiency   = "efficiency"
)

const tieThreshold = 5.0

var (
	ErrWeightsSum = errors.New("weights must sum to 1.0")
	ErrPlanCount  = errors.New("comparePlans requires between 2 and 5 plans")
)

// PlanStep is one step of a candidate plan.
type PlanStep struct {
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
	Parallelizable bool     `json:"parallelizable,omitempty"`
}

// Risk is one identified risk with an optional mitigation.
type Risk struct {
	Description string `json:"description"`
	Mitigation  string `json:"mitigation,omitempty"`
	Severity    string `json:"severity,omitempty"`
}

// Plan is a candidate execution plan.
type Plan struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Objective       string     `json:"objective,omitempty"`
	Steps           []PlanStep `json:"steps"`
	Risks           []Risk     `json:"risks,omitempty"`
	Resources       []string   `json:"resources,omitempty"`
	SuccessCriteria []string   `json:"success_criteria,omitempty"`
}

// Evaluation is the scored result for one plan.
type Evaluation struct {
	PlanTitle       string                        `json:"plan_title"`
	Scores          map[string]float64            `json:"scores"`
	Breakdown       map[string]map[string]float64 `json:"breakdown"`
	TotalScore      float64                       `json:"total_score"`
	Recommendations []string                      `json:"recommendations"`
}

// Ranking is one entry of a plan comparison.
type Ranking struct {
	PlanID     string  `json:"plan_id"`
	TotalScore float64 `json:"total_score"`
	Rank       int     `json:"rank"`
}

// Comparison ranks competing plans.
type Comparison struct {
	Rankings    []Ranking `json:"rankings"`
	Winner      string    `json:"winner"`
	Margin      float64   `json:"margin"`
	NeedsReview bool      `json:"needs_review"`
}

func defaultWeights() map[string]float64 {
	return map[string]float64{
		CriterionCompleteness: 0.25,
		CriterionFeasibility:  0.25,
		CriterionRisk:         0.20,
		CriterionClarity:      0.15,
		CriterionEfficiency:   0.15,
	}
}

var clarityKeywords = []string{
	"specifically", "exactly", "file", "function", "endpoint", "command",
	"test", "verify", "measure", "config", "module",
}

// Evaluator scores plans across weighted criteria.
type Evaluator struct {
	weights map[string]float64
	logger  *zap.Logger
	bus     *events.Bus
}

// NewEvaluator builds an evaluator. Custom weights must sum to 1.0 within a
// 0.01 tolerance.
func NewEvaluator(weights map[string]float64, logger *zap.Logger, bus *events.Bus) (*Evaluator, error) {
	if weights == nil {
		weights = defaultWeights()
	} else {
		sum := 0.0
		for _, w := range weights {
			sum += w
		}
		if math.Abs(sum-1.0) > 0.01 {
			return nil, ErrWeightsSum
		}
	}
	return &Evaluator{weights: weights, logger: logger, bus: bus}, nil
}

// EvaluatePlan scores one plan and suggests improvements.
func (e *Evaluator) EvaluatePlan(plan *Plan) (*Evaluation, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is required")
	}

	scores := map[string]float64{}
	breakdown := map[string]map[string]float64{}
	scores[CriterionCompleteness], breakdown[CriterionCompleteness] = e.scoreCompleteness(plan)
	scores[CriterionFeasibility], breakdown[CriterionFeasibility] = e.scoreFeasibility(plan)
	scores[CriterionRisk], breakdown[CriterionRisk] = e.scoreRisk(plan)
	scores[CriterionClarity], breakdown[CriterionClarity] = e.scoreClarity(plan)
	scores[CriterionEfficiency], breakdown[CriterionEfficiency] = e.scoreEfficiency(plan)

	total := 0.0
	for name, weight := range e.weights {
		total += scores[name] * weight
	}

	eval := &Evaluation{
		PlanTitle:       plan.Title,
		Scores:          scores,
		Breakdown:       breakdown,
		TotalScore:      math.Round(total*100) / 100,
		Recommendations: e.recommend(plan, scores),
	}
	e.logger.Debug("Plan evaluated",
		zap.String("plan", plan.Title),
		zap.Float64("total_score", eval.TotalScore),
	)
	e.bus.Emit("plan:evaluated", "planeval", map[string]interface{}{
		"plan_title": plan.Title, "total_score": eval.TotalScore,
	})
	return eval, nil
}

// ComparePlans ranks 2 to 5 plans; a thin margin between the top two flags
// the comparison for human review.
func (e *Evaluator) ComparePlans(plans []*Plan) (*Comparison, error) {
	if len(plans) < 2 || len(plans) > 5 {
		return nil, fmt.Errorf("%w: got %d", ErrPlanCount, len(plans))
	}

	rankings := make([]Ranking, 0, len(plans))
	for _, p := range plans {
		eval, err := e.EvaluatePlan(p)
		if err != nil {
			return nil, err
		}
		rankings = append(rankings, Ranking{PlanID: p.ID, TotalScore: eval.TotalScore})
	}
	sort.SliceStable(rankings, func(i, j int) bool { return rankings[i].TotalScore > rankings[j].TotalScore })
	for i := range rankings {
		rankings[i].Rank = i + 1
	}

	margin := rankings[0].TotalScore - rankings[1].TotalScore
	return &Comparison{
		Rankings:    rankings,
		Winner:      rankings[0].PlanID,
		Margin:      math.Round(margin*100) / 100,
		NeedsReview: margin < tieThreshold,
	}, nil
}

func (e *Evaluator) scoreCompleteness(plan *Plan) (float64, map[string]float64) {
	steps := clamp(float64(len(plan.Steps))*12, 0, 50)
	objective := 0.0
	if plan.Objective != "" {
		objective = 20
	}
	criteria := clamp(float64(len(plan.SuccessCriteria))*10, 0, 30)
	parts := map[string]float64{"steps": steps, "objective": objective, "success_criteria": criteria}
	return steps + objective + criteria, parts
}

func (e *Evaluator) scoreFeasibility(plan *Plan) (float64, map[string]float64) {
	resources := clamp(float64(len(plan.Resources))*15, 0, 40)
	// Unbounded step counts suggest an unrealistic plan.
	scope := 60.0
	if len(plan.Steps) > 12 {
		scope = clamp(60-float64(len(plan.Steps)-12)*5, 20, 60)
	}
	parts := map[string]float64{"resources": resources, "scope": scope}
	return resources + scope, parts
}

func (e *Evaluator) scoreRisk(plan *Plan) (float64, map[string]float64) {
	if len(plan.Risks) == 0 {
		parts := map[string]float64{"coverage": 20, "mitigation": 0}
		return 20, parts
	}
	coverage := clamp(float64(len(plan.Risks))*15, 0, 50)
	mitigated := 0
	for _, r := range plan.Risks {
		if r.Mitigation != "" {
			mitigated++
		}
	}
	mitigation := 50 * float64(mitigated) / float64(len(plan.Risks))
	parts := map[string]float64{"coverage": coverage, "mitigation": mitigation}
	return coverage + mitigation, parts
}

func (e *Evaluator) scoreClarity(plan *Plan) (float64, map[string]float64) {
	text := strings.ToLower(plan.Objective)
	for _, s := range plan.Steps {
		text += " " + strings.ToLower(s.Title+" "+s.Description)
	}
	hits := 0.0
	for _, kw := range clarityKeywords {
		if strings.Contains(text, kw) {
			hits += 10
		}
	}
	specificity := clamp(hits, 0, 70)
	titled := 0
	for _, s := range plan.Steps {
		if s.Title != "" {
			titled++
		}
	}
	structure := 0.0
	if len(plan.Steps) > 0 {
		structure = 30 * float64(titled) / float64(len(plan.Steps))
	}
	parts := map[string]float64{"specificity": specificity, "structure": structure}
	return specificity + structure, parts
}

func (e *Evaluator) scoreEfficiency(plan *Plan) (float64, map[string]float64) {
	if len(plan.Steps) == 0 {
		parts := map[string]float64{"parallelization": 0, "dependencies": 40}
		return 40, parts
	}
	parallel := 0
	withDeps := 0
	for _, s := range plan.Steps {
		if s.Parallelizable {
			parallel++
		}
		if len(s.DependsOn) > 0 {
			withDeps++
		}
	}
	parallelization := 60 * float64(parallel) / float64(len(plan.Steps))
	dependencies := 40 * (1 - float64(withDeps)/float64(len(plan.Steps))/2)
	parts := map[string]float64{"parallelization": parallelization, "dependencies": dependencies}
	return clamp(parallelization+dependencies, 0, 100), parts
}

func (e *Evaluator) recommend(plan *Plan, scores map[string]float64) []string {
	recs := []string{}
	if scores[CriterionCompleteness] < 60 {
		recs = append(recs, "add explicit success criteria and more granular steps")
	}
	if scores[CriterionRisk] < 50 {
		recs = append(recs, "identify risks and attach a mitigation to each")
	}
	if scores[CriterionClarity] < 50 {
		recs = append(recs, "name concrete files, commands or endpoints per step")
	}
	if scores[CriterionEfficiency] < 50 {
		recs = append(recs, "mark independent steps as parallelizable")
	}
	return recs
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
