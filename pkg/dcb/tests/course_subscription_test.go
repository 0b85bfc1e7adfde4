package dcb_test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go-limpet/pkg/dcb"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	errCourseNotFound    = errors.New("course not found")
	errCourseFull        = errors.New("course is full")
	errAlreadySubscribed = errors.New("student already subscribed")
	errStudentAtLimit    = errors.New("student reached course limit")
)

const maxCoursesPerStudent = 3

type courseState struct {
	Exists   bool
	Capacity int
}

func subscriptionProjectors(courseID, studentID string) []dcb.StateProjector {
	return []dcb.StateProjector{
		{
			ID: "course",
			Query: dcb.NewQueryFromItems(
				dcb.NewQItemKV("CourseDefined", "course_id", courseID),
				dcb.NewQItemKV("CourseCapacityChanged", "course_id", courseID),
			),
			InitialState: courseState{},
			TransitionFn: func(state any, event dcb.Event) any {
				s := state.(courseState)
				var payload struct {
					Capacity int `json:"capacity"`
				}
				if err := event.UnmarshalData(&payload); err != nil {
					return s
				}
				s.Exists = true
				s.Capacity = payload.Capacity
				return s
			},
		},
		{
			ID:           "courseSubscriptions",
			Query:        dcb.NewQuery(dcb.NewTags("course_id", courseID), "StudentSubscribedToCourse"),
			InitialState: 0,
			TransitionFn: func(state any, event dcb.Event) any { return state.(int) + 1 },
		},
		{
			ID:           "studentSubscriptions",
			Query:        dcb.NewQuery(dcb.NewTags("student_id", studentID), "StudentSubscribedToCourse"),
			InitialState: 0,
			TransitionFn: func(state any, event dcb.Event) any { return state.(int) + 1 },
		},
		{
			ID:           "alreadySubscribed",
			Query:        dcb.NewQuery(dcb.NewTags("course_id", courseID, "student_id", studentID), "StudentSubscribedToCourse"),
			InitialState: false,
			TransitionFn: func(state any, event dcb.Event) any { return true },
		},
	}
}

var subscribeHandler = dcb.HandlerFor("SubscribeStudent", func(ctx context.Context, txStore dcb.EventStore, cmd dcb.Command) (dcb.CommandResult, error) {
	var payload struct {
		CourseID  string `json:"course_id"`
		StudentID string `json:"student_id"`
	}
	if err := (dcb.JSONCodec{}).Unmarshal(cmd.GetData(), &payload); err != nil {
		return dcb.CommandResult{}, err
	}

	states, condition, err := txStore.Project(ctx, subscriptionProjectors(payload.CourseID, payload.StudentID), nil)
	if err != nil {
		return dcb.CommandResult{}, err
	}

	course := states["course"].(courseState)
	switch {
	case !course.Exists:
		return dcb.CommandResult{}, errCourseNotFound
	case states["alreadySubscribed"].(bool):
		return dcb.CommandResult{}, errAlreadySubscribed
	case states["courseSubscriptions"].(int) >= course.Capacity:
		return dcb.CommandResult{}, errCourseFull
	case states["studentSubscriptions"].(int) >= maxCoursesPerStudent:
		return dcb.CommandResult{}, errStudentAtLimit
	}

	events := dcb.NewEventBatch(
		dcb.NewInputEvent("StudentSubscribedToCourse",
			dcb.NewTags("course_id", payload.CourseID, "student_id", payload.StudentID), nil),
	)
	return dcb.NewCommandResult(events, condition), nil
})

func defineCourse(courseID string, capacity int) {
	_, err := store.Append(ctx, dcb.NewEventBatch(
		dcb.NewInputEvent("CourseDefined", dcb.NewTags("course_id", courseID),
			toJSON(map[string]int{"capacity": capacity})),
	))
	Expect(err).NotTo(HaveOccurred())
}

func subscribeCmd(courseID, studentID string) dcb.Command {
	return dcb.NewCommand("SubscribeStudent", toJSON(map[string]string{
		"course_id": courseID, "student_id": studentID,
	}), nil)
}

var _ = Describe("Course subscription scenarios", func() {
	var executor dcb.CommandExecutor

	BeforeEach(func() {
		resetState()
		var err error
		executor, err = dcb.NewCommandExecutor(store, subscribeHandler)
		Expect(err).NotTo(HaveOccurred())
	})

	It("subscribes a student when the course has room", func() {
		defineCourse("c1", 2)

		result, err := executor.Execute(ctx, subscribeCmd("c1", "s1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(dcb.OutcomeCreated))

		// The subscription is addressable by either entity.
		byCourse, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("course_id", "c1"), "StudentSubscribedToCourse"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(byCourse).To(HaveLen(1))

		byStudent, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("student_id", "s1"), "StudentSubscribedToCourse"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(byStudent).To(HaveLen(1))
	})

	It("rejects subscription to an unknown course", func() {
		_, err := executor.Execute(ctx, subscribeCmd("ghost", "s1"))
		Expect(errors.Is(err, errCourseNotFound)).To(BeTrue())
	})

	It("rejects a second subscription by the same student", func() {
		defineCourse("c1", 2)

		_, err := executor.Execute(ctx, subscribeCmd("c1", "s1"))
		Expect(err).NotTo(HaveOccurred())

		_, err = executor.Execute(ctx, subscribeCmd("c1", "s1"))
		Expect(errors.Is(err, errAlreadySubscribed)).To(BeTrue())
	})

	It("rejects subscriptions once the course is full", func() {
		defineCourse("c1", 1)

		_, err := executor.Execute(ctx, subscribeCmd("c1", "s1"))
		Expect(err).NotTo(HaveOccurred())

		_, err = executor.Execute(ctx, subscribeCmd("c1", "s2"))
		Expect(errors.Is(err, errCourseFull)).To(BeTrue())
	})

	It("honors capacity raises", func() {
		defineCourse("c1", 1)

		_, err := executor.Execute(ctx, subscribeCmd("c1", "s1"))
		Expect(err).NotTo(HaveOccurred())

		_, err = executor.Execute(ctx, subscribeCmd("c1", "s2"))
		Expect(errors.Is(err, errCourseFull)).To(BeTrue())

		_, err = store.Append(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("CourseCapacityChanged", dcb.NewTags("course_id", "c1"),
				toJSON(map[string]int{"capacity": 2})),
		))
		Expect(err).NotTo(HaveOccurred())

		_, err = executor.Execute(ctx, subscribeCmd("c1", "s2"))
		Expect(err).NotTo(HaveOccurred())
	})

	It("stops a student at the course limit", func() {
		for i := 1; i <= maxCoursesPerStudent+1; i++ {
			defineCourse(fmt.Sprintf("c%d", i), 10)
		}

		for i := 1; i <= maxCoursesPerStudent; i++ {
			_, err := executor.Execute(ctx, subscribeCmd(fmt.Sprintf("c%d", i), "s1"))
			Expect(err).NotTo(HaveOccurred())
		}

		_, err := executor.Execute(ctx, subscribeCmd(fmt.Sprintf("c%d", maxCoursesPerStudent+1), "s1"))
		Expect(errors.Is(err, errStudentAtLimit)).To(BeTrue())
	})

	It("admits exactly one student racing for the last seat", func() {
		defineCourse("c1", 1)

		// Both decision models include the course's subscription count. The
		// loser is turned away either by the condition check (its projection
		// ran before the winner committed) or by the domain check (it ran
		// after); it never gets the seat.
		start := make(chan struct{})
		results := make(chan error, 2)
		var wg sync.WaitGroup
		for _, studentID := range []string{"s1", "s2"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				defer GinkgoRecover()
				<-start
				_, execErr := executor.Execute(context.Background(), subscribeCmd("c1", id))
				results <- execErr
			}(studentID)
		}
		close(start)
		wg.Wait()
		close(results)

		successes := 0
		rejections := 0
		for execErr := range results {
			switch {
			case execErr == nil:
				successes++
			case dcb.IsConcurrencyError(execErr), errors.Is(execErr, errCourseFull):
				rejections++
			default:
				Fail(fmt.Sprintf("unexpected error: %v", execErr))
			}
		}
		Expect(successes).To(Equal(1))
		Expect(rejections).To(Equal(1))

		subscribed, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("course_id", "c1"), "StudentSubscribedToCourse"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(subscribed).To(HaveLen(1))
	})
})
