package model

import (
	"fmt"
	"math"
)

// forestFile mirrors the per-tree arrays of a fitted sklearn
// RandomForestClassifier (tree_.children_left, children_right, feature,
// threshold, value).
type forestFile struct {
	Trees []treeFile `json:"trees"`
}

type treeFile struct {
	ChildrenLeft  []int       `json:"children_left"`
	ChildrenRight []int       `json:"children_right"`
	Feature       []int       `json:"feature"`
	Threshold     []float64   `json:"threshold"`
	Value         [][]float64 `json:"value"`
}

const leaf = -1

type node struct {
	left, right int
	feature     int
	threshold   float64
	fraud       float64 // leaf only: fraction of fraud-class weight
}

type tree struct {
	nodes []node
}

// Forest averages the leaf fraud fractions of its trees, which is
// predict_proba(X)[:, 1] for a random forest.
type Forest struct {
	trees    []tree
	features int
}

func newForest(ff *forestFile, numFeatures int) (*Forest, error) {
	if len(ff.Trees) == 0 {
		return nil, fmt.Errorf("%w: forest has no trees", ErrInvalidArtifact)
	}
	f := &Forest{features: numFeatures, trees: make([]tree, 0, len(ff.Trees))}
	for i, tf := range ff.Trees {
		t, err := buildTree(tf, numFeatures)
		if err != nil {
			return nil, fmt.Errorf("%w: tree %d: %v", ErrInvalidArtifact, i, err)
		}
		f.trees = append(f.trees, t)
	}
	return f, nil
}

// buildTree checks the arrays and converts them to nodes. Children must come
// after their parent, which also rules out cycles.
func buildTree(tf treeFile, numFeatures int) (tree, error) {
	n := len(tf.ChildrenLeft)
	if n == 0 {
		return tree{}, fmt.Errorf("no nodes")
	}
	if len(tf.ChildrenRight) != n || len(tf.Feature) != n || len(tf.Threshold) != n || len(tf.Value) != n {
		return tree{}, fmt.Errorf("array lengths differ")
	}

	nodes := make([]node, n)
	for i := 0; i < n; i++ {
		l, r := tf.ChildrenLeft[i], tf.ChildrenRight[i]
		if l == leaf || r == leaf {
			if l != r {
				return tree{}, fmt.Errorf("node %d has one child", i)
			}
			fraud, err := leafFraction(tf.Value[i])
			if err != nil {
				return tree{}, fmt.Errorf("node %d: %v", i, err)
			}
			nodes[i] = node{left: leaf, right: leaf, fraud: fraud}
			continue
		}
		if l <= i || r <= i || l >= n || r >= n {
			return tree{}, fmt.Errorf("node %d has out-of-order children %d, %d", i, l, r)
		}
		feat := tf.Feature[i]
		if feat < 0 || feat >= numFeatures {
			return tree{}, fmt.Errorf("node %d splits on feature %d of %d", i, feat, numFeatures)
		}
		th := tf.Threshold[i]
		if math.IsNaN(th) || math.IsInf(th, 0) {
			return tree{}, fmt.Errorf("node %d threshold is not finite", i)
		}
		nodes[i] = node{left: l, right: r, feature: feat, threshold: th}
	}
	return tree{nodes: nodes}, nil
}

func leafFraction(value []float64) (float64, error) {
	if len(value) != 2 {
		return 0, fmt.Errorf("leaf value has %d classes, want 2", len(value))
	}
	legit, fraud := value[0], value[1]
	if legit < 0 || fraud < 0 || math.IsNaN(legit) || math.IsNaN(fraud) {
		return 0, fmt.Errorf("leaf value is negative or NaN")
	}
	total := legit + fraud
	if total <= 0 || math.IsInf(total, 0) {
		return 0, fmt.Errorf("leaf value has no weight")
	}
	return fraud / total, nil
}

func (t tree) predict(x []float64) float64 {
	i := 0
	for {
		nd := t.nodes[i]
		if nd.left == leaf {
			return nd.fraud
		}
		if x[nd.feature] <= nd.threshold {
			i = nd.left
		} else {
			i = nd.right
		}
	}
}

// ProbabilityOfFraud implements Classifier.
func (f *Forest) ProbabilityOfFraud(features []float64) (float64, error) {
	if err := checkVector(features, f.features); err != nil {
		return 0, err
	}
	var sum float64
	for _, t := range f.trees {
		sum += t.predict(features)
	}
	return sum / float64(len(f.trees)), nil
}

// Trees returns the number of trees in the forest.
func (f *Forest) Trees() int { return len(f.trees) }
