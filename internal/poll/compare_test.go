package poll

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryci/hgsync/internal/poll/mocks"
	"github.com/quarryci/hgsync/internal/revision"
	"github.com/quarryci/hgsync/internal/source"
)

func TestCompareSkipsDiffWhenHeadUnchanged(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tool := mocks.NewMockTool(ctrl)
	tool.EXPECT().Tip(gomock.Any(), "/repo", "default").Return("abc123", nil)
	tool.EXPECT().TipNumber(gomock.Any(), "/repo", "default").Return("42", nil)
	// No StatusBetween expectation: calling it fails the test.

	baseline := revision.Tag{ID: "abc123", Number: "42"}
	result, err := NewComparator().Compare(context.Background(), tool, baseline, "/repo", source.Source{URL: "/src"})
	require.NoError(t, err)
	assert.Equal(t, None, result.Change)
	assert.Equal(t, "abc123", result.Current.ID)
	require.NotNil(t, result.Baseline)
	assert.Equal(t, baseline.ID, result.Baseline.ID)
}

func TestCompareClassifiesDiff(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tool := mocks.NewMockTool(ctrl)
	tool.EXPECT().Tip(gomock.Any(), "/repo", "stable").Return("def456", nil)
	tool.EXPECT().TipNumber(gomock.Any(), "/repo", "stable").Return("43", nil)
	tool.EXPECT().StatusBetween(gomock.Any(), "/repo", "abc123", "def456").
		Return("M src/app.py\nA docs/readme.txt\n", nil)

	src := source.New("/src", "stable", "src/", "", false, "")
	baseline := revision.Tag{ID: "abc123", Number: "42"}
	result, err := NewComparator().Compare(context.Background(), tool, baseline, "/repo", src)
	require.NoError(t, err)
	assert.Equal(t, Significant, result.Change)
	assert.Equal(t, "def456", result.Current.ID)
	assert.Equal(t, "43", result.Current.Number)
}

func TestCompareInsignificantOutsideModules(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tool := mocks.NewMockTool(ctrl)
	tool.EXPECT().Tip(gomock.Any(), "/repo", "default").Return("def456", nil)
	tool.EXPECT().TipNumber(gomock.Any(), "/repo", "default").Return("43", nil)
	tool.EXPECT().StatusBetween(gomock.Any(), "/repo", "abc123", "def456").
		Return("M docs/readme.txt\n", nil)

	src := source.New("/src", "", "src/", "", false, "")
	result, err := NewComparator().Compare(context.Background(), tool, revision.Tag{ID: "abc123"}, "/repo", src)
	require.NoError(t, err)
	assert.Equal(t, Insignificant, result.Change)
}

func TestCompareUnresolvableHead(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tool := mocks.NewMockTool(ctrl)
	tool.EXPECT().Tip(gomock.Any(), "/repo", "default").Return("", nil)

	_, err := NewComparator().Compare(context.Background(), tool, revision.Tag{ID: "abc123"}, "/repo", source.Source{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnresolvableRevision)
}

func TestComparePropagatesToolErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	boom := errors.New("exit status 255")
	tool := mocks.NewMockTool(ctrl)
	tool.EXPECT().Tip(gomock.Any(), "/repo", "default").Return("def456", nil)
	tool.EXPECT().TipNumber(gomock.Any(), "/repo", "default").Return("43", nil)
	tool.EXPECT().StatusBetween(gomock.Any(), "/repo", "abc123", "def456").Return("", boom)

	_, err := NewComparator().Compare(context.Background(), tool, revision.Tag{ID: "abc123"}, "/repo", source.Source{})
	assert.ErrorIs(t, err, boom)
}

func TestParseStatus(t *testing.T) {
	cases := []struct {
		name   string
		status string
		want   []string
	}{
		{"empty", "", nil},
		{"added modified removed", "A new.py\nM main.py\nR old.py\n", []string{"new.py", "main.py", "old.py"}},
		{"other markers ignored", "? scratch.txt\nC clean.py\n! missing.py\nM main.py\n", []string{"main.py"}},
		{"marker must start the line", "  M indented.py\nnoise M fake.py\nM real.py\n", []string{"real.py"}},
		{"paths with spaces", "M dir with space/file.py\n", []string{"dir with space/file.py"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseStatus(tc.status))
		})
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		changed []string
		modules []string
		want    Change
	}{
		{"no changes", nil, []string{"src/"}, None},
		{"metadata plus module file", []string{".hgignore", "src/a.py"}, []string{"src/"}, Significant},
		{"metadata only", []string{".hgtags"}, nil, Insignificant},
		{"metadata only with modules", []string{".hgignore"}, []string{"src/"}, Insignificant},
		{"no modules means everything matters", []string{"anything.txt"}, nil, Significant},
		{"outside modules", []string{"docs/readme.txt"}, []string{"src/"}, Insignificant},
		{"backslash path matches module", []string{`src\app.py`}, []string{"src/"}, Significant},
		{"metadata lookalike in subdir", []string{"conf/.hgignore"}, nil, Significant},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.changed, tc.modules))
		})
	}
}

// The module filter is a raw prefix match, not a path-segment match. "src"
// therefore also matches "srcfoo/x". Pinned so a change here is deliberate.
func TestClassifyPrefixMatchIsNotSegmentAware(t *testing.T) {
	assert.Equal(t, Significant, Classify([]string{"srcfoo/x.py"}, []string{"src"}))
	assert.Equal(t, Insignificant, Classify([]string{"srcfoo/x.py"}, []string{"src/"}))
}

func TestChangeString(t *testing.T) {
	assert.Equal(t, "none", None.String())
	assert.Equal(t, "insignificant", Insignificant.String())
	assert.Equal(t, "significant", Significant.String())
}
